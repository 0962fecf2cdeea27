// Package client provides the upstream HTTPS client for the identity provider.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"b2c-token-proxy/internal/config"
	"b2c-token-proxy/internal/metrics"
	"b2c-token-proxy/internal/model"
)

// upstreamPort is the only port the proxy dials; the scheme is always https.
const upstreamPort = "443"

// UpstreamError is a transport failure talking to the identity provider.
type UpstreamError struct {
	Stage model.Stage
	Err   error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s: %v", e.Stage, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// TokenClient sends buffered requests to the identity provider token endpoint.
type TokenClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewTokenClient creates a TokenClient with connection pooling, TLS and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewTokenClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *TokenClient {
	return newTokenClient(cfg, logger, m, newTransport(cfg, nil))
}

// NewTokenClientForTest creates a TokenClient that dials addr instead of
// <host>:443 and trusts rootCAs. Host headers, SNI and the request URL are
// unchanged, so certificates for the configured upstream host still verify.
// This is intended only for tests that use httptest TLS servers.
func NewTokenClientForTest(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, addr string, rootCAs *x509.CertPool) *TokenClient {
	t := newTransport(cfg, rootCAs)
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	t.DialContext = func(ctx context.Context, network, _ string) (net.Conn, error) {
		return dialer.DialContext(ctx, network, addr)
	}
	return newTokenClient(cfg, logger, m, t)
}

func newTokenClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, t *http.Transport) *TokenClient {
	return &TokenClient{
		httpClient: &http.Client{
			Transport: t,
			Timeout:   time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
			// Redirects are relayed to the caller, never followed.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:  logger.With("component", "token_client"),
		metrics: m,
	}
}

func newTransport(cfg *config.Config, rootCAs *x509.CertPool) *http.Transport {
	return &http.Transport{
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
			RootCAs:    rootCAs,
		},
		// The body is relayed verbatim, so the transport must neither request
		// gzip on its own nor decode it.
		DisableCompression: true,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
}

// Do sends out to https://<Host header>:443<URI> and buffers the full response.
// Failures are returned as *UpstreamError tagged with the stage they hit.
func (c *TokenClient) Do(ctx context.Context, out *model.OutboundRequest) (*model.UpstreamResponse, error) {
	host := out.Header.Get("Host")
	u, err := url.ParseRequestURI(out.URI)
	if err != nil {
		return nil, c.fail(model.StageForwarding, fmt.Errorf("parse request uri: %w", err))
	}
	u.Scheme = "https"
	u.Host = net.JoinHostPort(host, upstreamPort)

	var wrote atomic.Bool
	ctx = httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{
		WroteRequest: func(info httptrace.WroteRequestInfo) {
			if info.Err == nil {
				wrote.Store(true)
			}
		},
	})

	req, err := http.NewRequestWithContext(ctx, out.Method, u.String(), bytes.NewReader(out.Body))
	if err != nil {
		return nil, c.fail(model.StageForwarding, fmt.Errorf("build upstream request: %w", err))
	}
	req.Header = out.Header.Clone()
	req.Header.Del("Host")
	req.Header.Del("Content-Length")
	req.Host = host
	req.ContentLength = int64(len(out.Body))
	// An explicitly empty User-Agent stops net/http from adding its own.
	if _, ok := req.Header["User-Agent"]; !ok {
		req.Header["User-Agent"] = []string{""}
	}

	c.logger.Debug("upstream request",
		"method", out.Method,
		"path", u.Path,
		"bytes", len(out.Body),
	)

	start := time.Now()
	method := metrics.NormalizeMethod(out.Method)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe(method, start, 0)
		return nil, c.fail(stageOf(&wrote), err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	c.observe(method, start, resp.StatusCode)
	if err != nil {
		return nil, c.fail(model.StageAwaitingUpstream, fmt.Errorf("read upstream body: %w", err))
	}

	return &model.UpstreamResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

// stageOf reports whether a failure happened before or after the request was sent.
func stageOf(wrote *atomic.Bool) model.Stage {
	if wrote.Load() {
		return model.StageAwaitingUpstream
	}
	return model.StageForwarding
}

func (c *TokenClient) fail(stage model.Stage, err error) error {
	if c.metrics != nil {
		c.metrics.UpstreamErrors.WithLabelValues(stage.String()).Inc()
	}
	return &UpstreamError{Stage: stage, Err: err}
}

func (c *TokenClient) observe(method string, start time.Time, status int) {
	if c.metrics == nil {
		return
	}
	c.metrics.UpstreamDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if status != 0 {
		c.metrics.UpstreamResponses.WithLabelValues(method, strconv.Itoa(status)).Inc()
	}
}
