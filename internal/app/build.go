package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/rgalvao/examroom/internal/config"
	"github.com/rgalvao/examroom/internal/httpapi"
	"github.com/rgalvao/examroom/internal/hub"
	"github.com/rgalvao/examroom/internal/observability"
	"github.com/rgalvao/examroom/internal/store"
)

// BuildResult bundles the wired server components.
type BuildResult struct {
	Config  config.Config
	API     *httpapi.Server
	Hub     *hub.Hub
	Store   store.Store
	Metrics *observability.Metrics
	Drift   *observability.DriftWindow

	// Cleanup should be called on shutdown to release external resources (DB, etc).
	Cleanup func() error
}

// Build assembles the coordination server from configuration: metrics,
// the drift window, the session store, the room hub and the HTTP API on
// top of them.
func Build(ctx context.Context, cfg config.Config, log zerolog.Logger) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	drift := observability.NewDriftWindow(cfg.DriftWindowSamples)

	sessionStore, err := store.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("session store init failed: %w", err)
	}

	h := hub.New(hub.Options{
		Store:                  sessionStore,
		Metrics:                metrics,
		Drift:                  drift,
		Logger:                 log.With().Str("component", "hub").Logger(),
		DefaultDurationMinutes: cfg.DefaultDurationMinutes,
	})

	api := httpapi.New(cfg, h, sessionStore, metrics, drift, log.With().Str("component", "httpapi").Logger())

	return &BuildResult{
		Config:  cfg,
		API:     api,
		Hub:     h,
		Store:   sessionStore,
		Metrics: metrics,
		Drift:   drift,
		Cleanup: sessionStore.Close,
	}, nil
}
