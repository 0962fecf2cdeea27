package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestRequestLogger(t *testing.T) {
	tests := []struct {
		name      string
		handler   echo.HandlerFunc
		requestID string
		want      []string
		wantCode  int
	}{
		{
			name: "relayed success",
			handler: func(c echo.Context) error {
				return c.String(http.StatusOK, "ok")
			},
			requestID: "req-1",
			want:      []string{"level=INFO", "method=POST", "path=/tenant/token", "route=/*", "status=200", "request_id=req-1", "bytes_in=8"},
			wantCode:  http.StatusOK,
		},
		{
			name: "handler error",
			handler: func(echo.Context) error {
				return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "too large")
			},
			want:     []string{"level=INFO", "status=413"},
			wantCode: http.StatusRequestEntityTooLarge,
		},
		{
			name: "bad gateway",
			handler: func(c echo.Context) error {
				return c.String(http.StatusBadGateway, "Bad Gateway")
			},
			want:     []string{"level=WARN", "status=502", "bytes_out=11"},
			wantCode: http.StatusBadGateway,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&buf, nil))
			e := echo.New()
			e.Use(RequestLogger(logger))
			e.Any("/*", tt.handler)

			req := httptest.NewRequest(http.MethodPost, "/tenant/token", strings.NewReader("code=abc"))
			if tt.requestID != "" {
				req.Header.Set(echo.HeaderXRequestID, tt.requestID)
			}
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			out := buf.String()
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("log missing %q: %s", w, out)
				}
			}
		})
	}
}

func TestRequestLogger_GeneratedIDWins(t *testing.T) {
	var buf bytes.Buffer
	e := echo.New()
	e.Use(RequestLogger(slog.New(slog.NewTextHandler(&buf, nil))))
	e.GET("/-/healthz", func(c echo.Context) error {
		c.Response().Header().Set(echo.HeaderXRequestID, "generated")
		return c.NoContent(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/-/healthz", http.NoBody)
	req.Header.Set(echo.HeaderXRequestID, "from-client")
	e.ServeHTTP(httptest.NewRecorder(), req)

	if !strings.Contains(buf.String(), "request_id=generated") {
		t.Errorf("expected generated request id, got: %s", buf.String())
	}
}
