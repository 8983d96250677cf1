package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/gryphonracing/rosterlink/internal/events"
	"github.com/gryphonracing/rosterlink/internal/handler"
	"github.com/gryphonracing/rosterlink/internal/metrics"
	"github.com/gryphonracing/rosterlink/internal/middleware"
)

type Server struct {
	adminH      *handler.AdminHandler
	backupH     *handler.BackupHandler
	hub         *events.Hub
	metrics     *metrics.Metrics
	tokenHash   string
	rateLimiter *middleware.RateLimiter
	logger      *slog.Logger
}

func New(adminH *handler.AdminHandler, backupH *handler.BackupHandler, hub *events.Hub, m *metrics.Metrics, tokenHash string, logger *slog.Logger) *Server {
	return &Server{
		adminH:      adminH,
		backupH:     backupH,
		hub:         hub,
		metrics:     m,
		tokenHash:   tokenHash,
		rateLimiter: middleware.NewRateLimiter(rate.Every(time.Second), 10),
		logger:      logger,
	}
}

// RateLimiter returns the admin rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

func (s *Server) Router() http.Handler {
	outerMux := http.NewServeMux()

	// Public routes
	outerMux.HandleFunc("GET /health", s.adminH.Health)
	outerMux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{Registry: s.metrics.Registry}))

	// Admin routes: rate limited, then bearer token
	adminMux := http.NewServeMux()
	s.registerAdminRoutes(adminMux)

	protect := func(h http.Handler) http.Handler {
		return middleware.RateLimit(s.rateLimiter)(middleware.RequireToken(s.tokenHash)(h))
	}
	outerMux.Handle("/admin/", protect(adminMux))

	return middleware.RequestLogger(s.logger.With("component", "http"))(outerMux)
}

func (s *Server) registerAdminRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /admin/reconcile", s.adminH.ReconcileAll)
	mux.HandleFunc("POST /admin/reconcile/accounts", s.adminH.ReconcileAccounts)
	mux.HandleFunc("POST /admin/roster/import", s.adminH.ImportRoster)
	mux.HandleFunc("GET /admin/records/{email}", s.adminH.GetRecord)
	mux.HandleFunc("PUT /admin/links", s.adminH.Relink)
	mux.HandleFunc("DELETE /admin/links/{accountID}", s.adminH.Unlink)
	mux.HandleFunc("GET /admin/flags", s.adminH.ListFlags)
	mux.HandleFunc("PUT /admin/flags/{name}", s.adminH.SetFlag)
	mux.HandleFunc("GET /admin/backups", s.backupH.List)
	mux.HandleFunc("POST /admin/backups", s.backupH.RunNow)
	mux.Handle("GET /admin/events", events.Handler(s.hub, s.logger.With("component", "events")))
}
