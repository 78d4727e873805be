package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/flowpbx/callrelay/internal/events"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// handleEventStream holds the connection open and writes every published
// status line as a server-sent event until the client goes away or the
// stream shuts down.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	logger := slog.With(
		"subsystem", "event_stream",
		"request_id", chimw.GetReqID(r.Context()),
		"remote_addr", r.RemoteAddr,
	)

	sub, err := s.stream.Subscribe()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "status stream is closed")
		return
	}
	defer sub.Close()

	rc := http.NewResponseController(w)
	// The server write timeout would otherwise cut the stream.
	_ = rc.SetWriteDeadline(time.Time{})

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		logger.Error("status stream requires a flushable response writer", "error", err)
		return
	}

	logger.Info("status stream subscriber connected")
	start := time.Now()
	delivered := 0
	defer func() {
		logger.Info("status stream subscriber disconnected",
			"delivered", delivered,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}()

	keepalive := time.NewTicker(s.keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			if err := events.WriteFrame(w, msg); err != nil {
				logger.Debug("status stream write failed", "error", err)
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
			delivered++
		case <-keepalive.C:
			if err := events.WriteComment(w, "keepalive"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}
