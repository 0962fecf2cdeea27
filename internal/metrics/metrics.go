// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for token endpoint latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec
	UpstreamErrors    *prometheus.CounterVec

	ScopeInjections prometheus.Counter
	TokenErrors     *prometheus.CounterVec
	BadGateways     *prometheus.CounterVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "b2c_token_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_class"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "b2c_token_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_class"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "b2c_token_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "b2c_token_proxy_upstream_request_duration_seconds",
			Help:    "Identity provider round-trip latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "b2c_token_proxy_upstream_responses_total",
			Help: "Total identity provider responses by method and status code.",
		}, []string{"method", "status_code"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "b2c_token_proxy_upstream_errors_total",
			Help: "Transport failures talking to the identity provider, by pipeline stage.",
		}, []string{"stage"}),

		ScopeInjections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "b2c_token_proxy_scope_injections_total",
			Help: "Token requests whose body had the scope parameter appended.",
		}),

		TokenErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "b2c_token_proxy_token_errors_total",
			Help: "OAuth error responses returned by the identity provider, by error code.",
		}, []string{"error"}),

		BadGateways: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "b2c_token_proxy_bad_gateway_total",
			Help: "Callers answered 502 Bad Gateway, by the pipeline stage the upstream call failed in.",
		}, []string{"stage"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.UpstreamErrors,
		m.ScopeInjections,
		m.TokenErrors,
		m.BadGateways,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// knownPrefixes lists the operational path label values (bounded cardinality).
var knownPrefixes = []string{"/-/healthz", "/-/status", "/-/metrics"}

// NormalizePath returns a bounded path label. Operational endpoints keep their
// path, token endpoints (any path ending in /token) collapse to "token".
func NormalizePath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return prefix
		}
	}
	if strings.HasSuffix(strings.TrimSuffix(path, "/"), "/token") {
		return "token"
	}
	return "other"
}

// knownTokenErrors are the RFC 6749 §5.2 and OIDC error codes used as label values.
var knownTokenErrors = map[string]bool{
	"invalid_request":         true,
	"invalid_client":          true,
	"invalid_grant":           true,
	"unauthorized_client":     true,
	"unsupported_grant_type":  true,
	"invalid_scope":           true,
	"access_denied":           true,
	"server_error":            true,
	"temporarily_unavailable": true,
	"interaction_required":    true,
	"login_required":          true,
	"consent_required":        true,
}

// NormalizeTokenError returns a bounded OAuth error code label.
func NormalizeTokenError(code string) string {
	if knownTokenErrors[code] {
		return code
	}
	return "other"
}
