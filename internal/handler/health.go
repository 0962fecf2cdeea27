package handler

import (
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"b2c-token-proxy/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves the liveness and status endpoints under /-/.
type HealthHandler struct {
	version   Version
	upstream  string
	scope     string
	rateLimit string
	started   time.Time
}

type statusResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UpstreamURL   string `json:"upstream_url"`
	Scope         string `json:"scope"`
	RateLimit     string `json:"rate_limit"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// NewHealthHandler creates a HealthHandler. Everything it reports is derived
// from the immutable configuration once, at construction.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{
		version:   v,
		upstream:  "https://" + net.JoinHostPort(cfg.Upstream.Host, "443"),
		scope:     cfg.Scope.FullScope(),
		rateLimit: rateLimitMode(cfg.Server.RateLimit),
		started:   time.Now(),
	}
}

func rateLimitMode(rl config.RateLimitConfig) string {
	switch {
	case !rl.Enabled:
		return "off"
	case rl.RedisURL != "":
		return "redis"
	default:
		return "memory"
	}
}

// Healthz answers liveness probes. It never contacts the identity provider.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// Status reports the effective forwarding configuration.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, statusResponse{
		Status:        "ok",
		Version:       string(h.version),
		UpstreamURL:   h.upstream,
		Scope:         h.scope,
		RateLimit:     h.rateLimit,
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
	})
}
