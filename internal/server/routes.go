package server

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lazypower/rankd/internal/engine"
	"github.com/lazypower/rankd/internal/query"
	"github.com/lazypower/rankd/internal/results"
	"github.com/lazypower/rankd/internal/usage"
)

// defaultResultLimit caps /api/results when the caller gives no limit.
const defaultResultLimit = 100

// resultJSON is usage.Result with the linked sentinel score, which JSON
// cannot carry, sent as null.
type resultJSON struct {
	Resource    string     `json:"resource"`
	Title       string     `json:"title"`
	MimeType    string     `json:"mimetype,omitempty"`
	Score       *float64   `json:"score"`
	Linked      bool       `json:"linked,omitempty"`
	FirstUpdate *time.Time `json:"first_update,omitempty"`
	LastUpdate  *time.Time `json:"last_update,omitempty"`
}

func toJSON(r usage.Result) resultJSON {
	out := resultJSON{
		Resource: r.Resource,
		Title:    r.DisplayTitle(),
		MimeType: r.MimeType,
		Linked:   r.Linked,
	}
	if !math.IsInf(r.Score, 0) && !math.IsNaN(r.Score) {
		score := r.Score
		out.Score = &score
	}
	if !r.FirstUpdate.IsZero() {
		t := r.FirstUpdate
		out.FirstUpdate = &t
	}
	if !r.LastUpdate.IsZero() {
		t := r.LastUpdate
		out.LastUpdate = &t
	}
	return out
}

func toJSONList(rs []usage.Result) []resultJSON {
	out := make([]resultJSON, len(rs))
	for i, r := range rs {
		out[i] = toJSON(r)
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := "INTERNAL"
	var ue *usage.Error
	if errors.As(err, &ue) {
		code = string(ue.Code)
		switch ue.Code {
		case usage.InvalidQuery:
			status = http.StatusBadRequest
		case usage.StoreUnavailable:
			status = http.StatusServiceUnavailable
		}
	}
	if status >= 500 {
		s.log.Warn("request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "code": code})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json", "code": string(usage.InvalidQuery)})
		return false
	}
	return true
}

// parseQuery builds a query from select, order, agent, activity, type,
// limit and offset parameters. Filters may repeat.
func parseQuery(r *http.Request) (query.Query, error) {
	v := r.URL.Query()
	q := query.New()
	if name := v.Get("select"); name != "" {
		sel, err := query.ParseSelection(name)
		if err != nil {
			return q, err
		}
		q = q.WithSelection(sel)
	}
	if name := v.Get("order"); name != "" {
		o, err := query.ParseOrdering(name)
		if err != nil {
			return q, err
		}
		q = q.WithOrdering(o)
	}
	q = q.AddAgents(v["agent"]...).AddActivities(v["activity"]...).AddTypes(v["type"]...)

	for _, name := range []string{"limit", "offset"} {
		raw := v.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return q, usage.Errorf(usage.InvalidQuery, "%s must be a non-negative integer", name)
		}
		if name == "limit" {
			q = q.WithLimit(n)
		} else {
			q = q.WithOffset(n)
		}
	}
	return q, q.Validate()
}

type usageRequest struct {
	Activity string     `json:"activity"`
	Agent    string     `json:"agent"`
	Resource string     `json:"resource"`
	Kind     string     `json:"kind"`
	Start    *time.Time `json:"start,omitempty"`
	End      *time.Time `json:"end,omitempty"`
	Title    string     `json:"title,omitempty"`
	MimeType string     `json:"mimetype,omitempty"`
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	var req usageRequest
	if !decode(w, r, &req) {
		return
	}
	iv := usage.Interval{
		Key:      usage.Key{Activity: req.Activity, Agent: req.Agent, Resource: req.Resource},
		Kind:     usage.IntervalKind(req.Kind),
		End:      req.End,
		Title:    req.Title,
		MimeType: req.MimeType,
	}
	if req.Start != nil {
		iv.Start = *req.Start
	}
	if err := s.engine.Aggregate(r.Context(), iv); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Flush(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "flushed"})
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if q.Limit() == 0 {
		q = q.WithLimit(defaultResultLimit)
	}
	rs, err := s.engine.Execute(r.Context(), q)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out, err := rs.All(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"query":   q.String(),
		"count":   len(out),
		"results": toJSONList(out),
	})
}

type linkRequest struct {
	Activity string `json:"activity"`
	Agent    string `json:"agent"`
	Resource string `json:"resource"`
}

func (s *Server) handleLink(w http.ResponseWriter, r *http.Request) {
	var req linkRequest
	if !decode(w, r, &req) {
		return
	}
	created, err := s.engine.Link(r.Context(), usage.LinkRecord{Key: usage.Key{Activity: req.Activity, Agent: req.Agent, Resource: req.Resource}})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"changed": created})
}

func (s *Server) handleUnlink(w http.ResponseWriter, r *http.Request) {
	var req linkRequest
	if !decode(w, r, &req) {
		return
	}
	removed, err := s.engine.Unlink(r.Context(), usage.LinkRecord{Key: usage.Key{Activity: req.Activity, Agent: req.Agent, Resource: req.Resource}})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"changed": removed})
}

func (s *Server) handleResourceInfo(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Resource string `json:"resource"`
		Title    string `json:"title"`
		MimeType string `json:"mimetype"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := s.engine.SetResourceInfo(r.Context(), usage.ResourceInfo{Resource: req.Resource, Title: req.Title, MimeType: req.MimeType}); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRanking(w http.ResponseWriter, r *http.Request) {
	a := chi.URLParam(r, "activity")
	snap, err := s.engine.RankingSnapshot(r.Context(), a)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if a == "" || a == usage.Current {
		a = s.engine.Resolver().CurrentActivity()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"activity": a,
		"results":  toJSONList(snap),
	})
}

func (s *Server) handleForgetResource(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Resource string `json:"resource"`
	}
	if !decode(w, r, &req) {
		return
	}
	n, err := s.engine.ForgetResource(r.Context(), req.Resource)
	s.forgetResponse(w, n, err)
}

func (s *Server) handleForgetRecent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Count int    `json:"count"`
		Unit  string `json:"unit"`
	}
	if !decode(w, r, &req) {
		return
	}
	n, err := s.engine.ForgetRecent(r.Context(), req.Count, engine.TimeUnit(req.Unit))
	s.forgetResponse(w, n, err)
}

func (s *Server) handleForgetOlder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Months int `json:"months"`
	}
	if !decode(w, r, &req) {
		return
	}
	n, err := s.engine.ForgetOlderThan(r.Context(), req.Months)
	s.forgetResponse(w, n, err)
}

func (s *Server) forgetResponse(w http.ResponseWriter, n int64, err error) {
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"forgotten": n})
}

func (s *Server) handleListActivities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"current":    s.tracker.CurrentActivity(),
		"activities": s.tracker.List(),
	})
}

func (s *Server) handleCreateActivity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
		Use  bool   `json:"use"`
	}
	if !decode(w, r, &req) {
		return
	}
	a := s.tracker.Create(req.Name)
	if req.Use {
		if err := s.tracker.SetCurrent(a.ID); err != nil {
			s.writeError(w, usage.NewError(usage.InvalidQuery, "use activity", err))
			return
		}
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleCurrentActivity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"id": s.tracker.CurrentActivity()})
}

func (s *Server) handleSetCurrentActivity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := s.tracker.SetCurrent(req.ID); err != nil {
		s.writeError(w, usage.NewError(usage.InvalidQuery, "set current activity", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": s.tracker.CurrentActivity()})
}

// notificationJSON is one message on the watch socket.
type notificationJSON struct {
	Type   string                   `json:"type"`
	ID     string                   `json:"id,omitempty"`
	Query  string                   `json:"query,omitempty"`
	Kind   results.NotificationKind `json:"kind,omitempty"`
	Result *resultJSON              `json:"result,omitempty"`
}
