package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/flowpbx/callrelay/internal/api/middleware"
	"github.com/flowpbx/callrelay/internal/call"
	"github.com/flowpbx/callrelay/internal/config"
	"github.com/flowpbx/callrelay/internal/events"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// NotificationHandler applies a decoded webhook notification to the call.
type NotificationHandler interface {
	Handle(ctx context.Context, n call.Notification)
}

// CallSnapshotter exposes the tracked call for diagnostics.
type CallSnapshotter interface {
	Snapshot() call.Record
}

// StatusStream hands out subscriptions to the live status feed.
type StatusStream interface {
	Subscribe() (*events.Subscription, error)
	SubscriberCount() int
}

// defaultKeepalive is how often an idle status stream gets a comment frame
// so proxies do not time the connection out.
const defaultKeepalive = 15 * time.Second

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router    *chi.Mux
	cfg       *config.Config
	calls     NotificationHandler
	snapshot  CallSnapshotter
	stream    StatusStream
	metrics   http.Handler
	limiter   *middleware.IPRateLimiter
	keepalive time.Duration
	startedAt time.Time
}

// NewServer creates the HTTP handler with all routes mounted. metrics and
// limiter may be nil, in which case /metrics is not mounted and the webhook
// is not rate limited.
func NewServer(
	cfg *config.Config,
	calls NotificationHandler,
	snapshot CallSnapshotter,
	stream StatusStream,
	metrics http.Handler,
	limiter *middleware.IPRateLimiter,
) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		cfg:       cfg,
		calls:     calls,
		snapshot:  snapshot,
		stream:    stream,
		metrics:   metrics,
		limiter:   limiter,
		keepalive: defaultKeepalive,
		startedAt: time.Now(),
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// routes configures all middleware and mounts all routes.
func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.SecurityHeaders(s.cfg.TLSEnabled()))
	r.Use(middleware.CORS(middleware.ParseCORSOrigins(s.cfg.CORSOrigins)))

	r.Get("/health", s.handleHealth)
	r.Get("/call", s.handleCall)
	r.Get("/event-stream", s.handleEventStream)

	r.Group(func(r chi.Router) {
		if s.limiter != nil {
			r.Use(middleware.RateLimit(s.limiter))
		}
		r.Post("/event", s.handleEvent)
	})

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	slog.Debug("api routes mounted")
}

// healthResponse is the body of GET /health.
type healthResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Subscribers   int    `json:"subscribers"`
}

// handleHealth returns basic health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Subscribers:   s.stream.SubscriberCount(),
	})
}

// handleCall returns the tracked call record.
func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshot.Snapshot())
}
