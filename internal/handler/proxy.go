package handler

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"b2c-token-proxy/internal/client"
	"b2c-token-proxy/internal/model"
	"b2c-token-proxy/internal/service"
)

// badGatewayBody is the fixed diagnostic returned on upstream transport failure.
const badGatewayBody = "Bad Gateway"

// ProxyHandler relays every non-operational request to the identity provider.
type ProxyHandler struct {
	service *service.TokenService
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.TokenService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle buffers the request body, forwards it upstream and replays the
// buffered upstream response verbatim.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	body, err := io.ReadAll(req.Body)
	if err != nil {
		// BodyLimit reports an oversized chunked body through the reader.
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		h.logger.Warn("reading request body",
			"stage", model.StageIngesting.String(),
			"err", err,
			"path", req.URL.Path,
		)
		return echo.NewHTTPError(http.StatusBadRequest, "unable to read request body")
	}

	in := &model.InboundRequest{
		Method: req.Method,
		URI:    req.URL.RequestURI(),
		Header: req.Header,
		Body:   body,
	}

	resp, err := h.service.Forward(req.Context(), in)
	if err != nil {
		return h.badGateway(c, err)
	}

	dst := c.Response().Header()
	for key, vals := range resp.Header {
		for _, v := range vals {
			dst.Add(key, v)
		}
	}
	c.Response().WriteHeader(resp.StatusCode)

	// The status line is already out, so a failed write only gets logged.
	if _, err := c.Response().Write(resp.Body); err != nil {
		h.logger.Error("writing response body",
			"stage", model.StageRelaying.String(),
			"result", model.StageFailed.String(),
			"err", err,
			"path", req.URL.Path,
		)
		return nil
	}

	h.logger.Debug("response relayed",
		"stage", model.StageDone.String(),
		"status", resp.StatusCode,
		"bytes", len(resp.Body),
		"path", req.URL.Path,
	)
	return nil
}

// badGateway logs the transport failure and answers 502 with a fixed body.
func (h *ProxyHandler) badGateway(c echo.Context, err error) error {
	stage := model.StageForwarding
	var ue *client.UpstreamError
	if errors.As(err, &ue) {
		stage = ue.Stage
	}

	c.Set(model.FailedStageKey, stage)

	h.logger.Error("proxy error",
		"err", err.Error(),
		"stage", stage.String(),
		"result", model.StageFailed.String(),
		"reason", classify(err),
		"path", c.Request().URL.Path,
	)

	return c.String(http.StatusBadGateway, badGatewayBody)
}

// classify names the kind of transport failure for logs. It never changes the
// status returned to the caller.
func classify(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "client_disconnected"
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns"
	}

	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return "tls"
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return "connection"
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return "transport"
	}

	return "unknown"
}
