package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lazypower/rankd/internal/activity"
	"github.com/lazypower/rankd/internal/engine"
	"github.com/lazypower/rankd/internal/store"
)

// Server is the rankd HTTP API server.
type Server struct {
	engine  *engine.Engine
	db      *store.DB
	tracker *activity.Tracker
	log     *zap.Logger
	router  chi.Router
	version string
	started time.Time
}

// New creates a new Server over a running engine. tracker backs the
// activity endpoints and should be the engine's resolver.
func New(eng *engine.Engine, db *store.DB, tracker *activity.Tracker, version string, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		engine:  eng,
		db:      db,
		tracker: tracker,
		log:     log.Named("server"),
		version: version,
		started: time.Now(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(s.requestLog)
	r.Use(agentFromHeader)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Post("/usage", s.handleUsage)
		r.Post("/flush", s.handleFlush)
		r.Get("/results", s.handleResults)
		r.Get("/watch", s.handleWatch)

		r.Post("/links", s.handleLink)
		r.Delete("/links", s.handleUnlink)
		r.Put("/resources/info", s.handleResourceInfo)

		r.Get("/rankings", s.handleRanking)
		r.Get("/rankings/{activity}", s.handleRanking)

		r.Post("/forget/resource", s.handleForgetResource)
		r.Post("/forget/recent", s.handleForgetRecent)
		r.Post("/forget/older", s.handleForgetOlder)

		r.Get("/activities", s.handleListActivities)
		r.Post("/activities", s.handleCreateActivity)
		r.Get("/activities/current", s.handleCurrentActivity)
		r.Put("/activities/current", s.handleSetCurrentActivity)
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if err := s.db.PingContext(r.Context()); err != nil {
		dbOK = false
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.started).Seconds(),
		"db":      dbOK,
		"db_path": s.db.Path,
		"pending": s.engine.Pending(),
	})
}
