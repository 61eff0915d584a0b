package server

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lazypower/rankd/internal/results"
)

// watchBuffer is how many notifications a slow client may fall behind
// before its socket is closed.
const watchBuffer = 256

// handleWatch streams live notifications for the query in the URL. A
// client that cannot keep up is disconnected rather than sent a list with
// holes in it; it should reconnect and re-query.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warn("websocket accept", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	// Reads only to notice the client going away.
	ctx := conn.CloseRead(r.Context())
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := make(chan results.Notification, watchBuffer)
	overflow := make(chan struct{})
	var overflowed bool
	watcher, err := s.engine.Watch(r.Context(), q, func(n results.Notification) {
		if overflowed {
			return
		}
		select {
		case out <- n:
		default:
			overflowed = true
			close(overflow)
		}
	})
	if err != nil {
		conn.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}
	defer watcher.Close()

	id := uuid.NewString()
	log := s.log.With(zap.String("watch", id))
	log.Debug("watch opened", zap.Stringer("query", q))
	if err := wsjson.Write(ctx, conn, notificationJSON{Type: "watching", ID: id, Query: q.String()}); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			log.Debug("watch closed", zap.Error(ctx.Err()))
			return
		case <-overflow:
			log.Warn("watch client too slow, closing")
			conn.Close(websocket.StatusTryAgainLater, "client too slow")
			return
		case n := <-out:
			res := toJSON(n.Result)
			if err := wsjson.Write(ctx, conn, notificationJSON{Type: "notification", Kind: n.Kind, Result: &res}); err != nil {
				log.Debug("watch write failed", zap.Error(err))
				return
			}
		}
	}
}
