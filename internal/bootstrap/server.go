package bootstrap

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/jonesrussell/north-cloud/competitor-scout/internal/api"
	"github.com/jonesrussell/north-cloud/competitor-scout/internal/server"
)

const idleTimeoutMultiplier = 4

// SetupHTTPServer creates the HTTP server with health checks, metrics and
// the run API. Shutting the server down cancels active runs first so open
// event streams receive their terminal event.
func SetupHTTPServer(app *App) *server.Server {
	cfg := app.Config
	handler := api.NewHandler(app.Orchestrator, app.Log)

	b := server.NewServerBuilder(cfg.Service.Name, cfg.Service.Port).
		WithLogger(app.Log).
		WithHost(cfg.Service.Host).
		WithDebug(cfg.Service.Debug).
		WithVersion(cfg.Service.Version).
		WithCORSOrigins(cfg.Service.CORSOrigins).
		WithTimeouts(cfg.Service.ReadTimeout, cfg.Service.WriteTimeout, cfg.Service.ReadTimeout*idleTimeoutMultiplier).
		WithHealthCheck("database", server.PingChecker("database", server.HealthStatusUnhealthy, app.Store.Ping)).
		WithRoutes(func(r *gin.Engine) {
			handler.RegisterRoutes(r)
		}).
		OnShutdown(app.Orchestrator.Shutdown)

	if app.redis != nil {
		b.WithHealthCheck("redis", server.PingChecker("redis", server.HealthStatusDegraded, func(ctx context.Context) error {
			return app.redis.Ping(ctx).Err()
		}))
	}
	if cfg.Metrics.Enabled {
		b.WithMetrics(cfg.Metrics.Path, app.Metrics.Handler())
	}

	return b.Build()
}
