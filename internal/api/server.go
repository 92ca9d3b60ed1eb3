package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/campaign-notifier/internal/auth"
	"github.com/ignite/campaign-notifier/internal/config"
	"github.com/ignite/campaign-notifier/internal/domain"
	"github.com/ignite/campaign-notifier/internal/metrics"
	"github.com/ignite/campaign-notifier/internal/service/campaign"
)

// Runner triggers a manual scheduler run; *scheduler.Scheduler satisfies it.
type Runner interface {
	RunCampaign(ctx context.Context, campaignID string, trigger domain.RunTrigger) (*domain.SchedulerRun, error)
}

// SnapshotReader returns stored metrics snapshots for a campaign.
type SnapshotReader interface {
	ListSnapshots(ctx context.Context, campaignID string, from, to time.Time) ([]metrics.Report, error)
}

// Deps are the collaborators the API serves. Runner, Snapshots and Health
// may be nil; the routes they back then answer 503 or are omitted.
type Deps struct {
	Campaigns *campaign.Service
	Runner    Runner
	Metrics   *metrics.Aggregator
	Snapshots SnapshotReader
	Health    *HealthChecker
	Auth      *auth.AuthManager
}

// Server represents the API server
type Server struct {
	config  config.ServerConfig
	handler http.Handler
	router  *chi.Mux
	server  *http.Server
}

// NewServer creates a new API server
func NewServer(cfg config.ServerConfig, deps Deps) *Server {
	h := NewHandlers(deps)
	router := SetupRoutes(h, deps.Auth, deps.Health, cfg.CORSOrigins)
	return &Server{
		config:  cfg,
		handler: router,
		router:  router,
	}
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// Manual runs are synchronous and may take a while on large segments.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the HTTP handler for testing
func (s *Server) Handler() http.Handler {
	return s.handler
}
