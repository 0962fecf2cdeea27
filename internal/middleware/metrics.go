package middleware

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"b2c-token-proxy/internal/metrics"
	"b2c-token-proxy/internal/model"
)

// MetricsMiddleware returns an Echo middleware that records request counts and
// latency by path class. Relayed requests answered 502 are also counted by the
// stage the upstream call failed in.
func MetricsMiddleware(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()
			err := next(c)
			elapsed := time.Since(start).Seconds()

			code := statusOf(c, err)
			status := strconv.Itoa(code)
			method := metrics.NormalizeMethod(c.Request().Method)
			class := metrics.NormalizePath(c.Request().URL.Path)

			m.RequestsTotal.WithLabelValues(method, status, class).Inc()
			m.RequestDuration.WithLabelValues(method, status, class).Observe(elapsed)

			if code == http.StatusBadGateway {
				if stage, ok := c.Get(model.FailedStageKey).(model.Stage); ok {
					m.BadGateways.WithLabelValues(stage.String()).Inc()
				}
			}

			return err
		}
	}
}

// statusOf returns the final status. An *echo.HTTPError (413 from BodyLimit,
// 429 from the limiter) has not been written yet, so its code wins.
func statusOf(c echo.Context, err error) int {
	var he *echo.HTTPError
	if err != nil && errors.As(err, &he) {
		return he.Code
	}
	return c.Response().Status
}
