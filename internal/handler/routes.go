package handler

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"b2c-token-proxy/internal/config"
	"b2c-token-proxy/internal/metrics"
	"b2c-token-proxy/internal/middleware"
)

// RegisterRoutes wires the operational endpoints under the reserved prefix and
// sends everything else to the proxy. Security headers and request IDs are
// applied to the operational group only so relayed responses stay untouched.
//
// Any only covers echo's fixed method list. The not-found routes catch every
// other method (PURGE, MKCOL, ...) so they are forwarded instead of getting
// a local 405. Unknown paths and methods under the reserved prefix stay local.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, m *metrics.Metrics, proxy *ProxyHandler, health *HealthHandler) {
	ops := []echo.MiddlewareFunc{
		echomw.RequestIDWithConfig(echomw.RequestIDConfig{Generator: uuid.NewString}),
		middleware.SecurityHeaders(),
	}
	e.GET(config.HealthzPath, health.Healthz, ops...)
	e.GET(config.StatusPath, health.Status, ops...)
	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})), ops...)
	}

	e.RouteNotFound(config.ReservedPrefix+"*", func(echo.Context) error {
		return echo.ErrNotFound
	})

	e.Any("/", proxy.Handle)
	e.Any("/*", proxy.Handle)
	e.RouteNotFound("/", proxy.Handle)
	e.RouteNotFound("/*", proxy.Handle)
}
