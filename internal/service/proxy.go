// Package service implements the token exchange pipeline: scope rewriting,
// outbound request construction and response inspection.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"b2c-token-proxy/internal/client"
	"b2c-token-proxy/internal/config"
	"b2c-token-proxy/internal/metrics"
	"b2c-token-proxy/internal/model"
)

// TokenService forwards buffered token requests to the identity provider.
type TokenService struct {
	client   *client.TokenClient
	rewriter *ScopeRewriter
	host     string
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewTokenService creates a TokenService. The metrics parameter is optional.
func NewTokenService(c *client.TokenClient, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *TokenService {
	return &TokenService{
		client:   c,
		rewriter: NewScopeRewriter(cfg.Scope.FullScope()),
		host:     cfg.Upstream.Host,
		logger:   logger.With("component", "token_service"),
		metrics:  m,
	}
}

// Forward rewrites in, sends it upstream and returns the buffered response.
// Transport failures are returned as *client.UpstreamError (wrapped).
func (s *TokenService) Forward(ctx context.Context, in *model.InboundRequest) (*model.UpstreamResponse, error) {
	body, injected := s.rewriter.Rewrite(in.Method, in.Body)
	if injected {
		s.logger.Info("added scope to token request",
			"stage", model.StageRewriting.String(),
			"path", in.URI,
			"scope", s.rewriter.FullScope(),
		)
		if s.metrics != nil {
			s.metrics.ScopeInjections.Inc()
		}
	}

	out := s.buildOutbound(in, body)

	s.logger.Debug("forwarding request",
		"method", out.Method,
		"path", out.URI,
	)

	resp, err := s.client.Do(ctx, out)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	s.inspect(resp)
	return resp, nil
}

// buildOutbound copies method, URI and every header, then pins Host and
// Content-Length and drops Transfer-Encoding.
func (s *TokenService) buildOutbound(in *model.InboundRequest, body []byte) *model.OutboundRequest {
	header := in.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Del("Transfer-Encoding")
	header.Set("Host", s.host)
	header.Set("Content-Length", strconv.Itoa(len(body)))

	return &model.OutboundRequest{
		Method: in.Method,
		URI:    in.URI,
		Header: header,
		Body:   body,
	}
}

// inspect logs the response shape. Values are never logged.
func (s *TokenService) inspect(resp *model.UpstreamResponse) {
	summary, ok := SummarizeTokenResponse(resp.Body)
	if !ok {
		s.logger.Info("upstream responded (non-JSON)", "status", resp.StatusCode)
		return
	}

	s.logger.Info("upstream responded",
		"status", resp.StatusCode,
		"keys", summary.Keys,
	)
	if summary.HasError() {
		s.logger.Warn("upstream token error",
			"status", resp.StatusCode,
			"error", summary.Error,
			"error_description", summary.ErrorDescription,
		)
		if s.metrics != nil {
			s.metrics.TokenErrors.WithLabelValues(metrics.NormalizeTokenError(summary.Error)).Inc()
		}
	}
}
