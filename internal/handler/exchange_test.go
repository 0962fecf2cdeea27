package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"testing/iotest"

	"golang.org/x/oauth2"
)

// newProxyServer serves the full route table on a plain HTTP listener.
func newProxyServer(t *testing.T, upstream *httptest.Server) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(newTestEcho(t, upstream, false))
	t.Cleanup(srv.Close)
	return srv
}

func TestExchange_AuthorizationCode(t *testing.T) {
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tenant.onmicrosoft.com/B2C_1_signin/oauth2/v2.0/token" {
			t.Errorf("path = %q", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		form, err := url.ParseQuery(string(body))
		if err != nil {
			t.Fatalf("ParseQuery: %v", err)
		}
		want := map[string]string{
			"grant_type":    "authorization_code",
			"code":          "abc123",
			"client_id":     "web-app",
			"client_secret": "s3cret",
			"redirect_uri":  "https://app.example/callback",
			"scope":         "openid offline_access api://x/read",
		}
		for k, v := range want {
			if got := form.Get(k); got != v {
				t.Errorf("form %s = %q, want %q", k, got, v)
			}
		}
		if !strings.HasSuffix(string(body), "&scope=openid%20offline_access%20api%3A%2F%2Fx%2Fread") {
			t.Errorf("scope not appended at end: %q", body)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"at","refresh_token":"rt","token_type":"Bearer","expires_in":3600}`))
	}))
	defer upstream.Close()

	proxy := newProxyServer(t, upstream)
	conf := &oauth2.Config{
		ClientID:     "web-app",
		ClientSecret: "s3cret",
		RedirectURL:  "https://app.example/callback",
		Endpoint: oauth2.Endpoint{
			TokenURL:  proxy.URL + "/tenant.onmicrosoft.com/B2C_1_signin/oauth2/v2.0/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	tok, err := conf.Exchange(context.Background(), "abc123")
	if err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}
	if tok.AccessToken != "at" || tok.RefreshToken != "rt" {
		t.Errorf("token = %+v", tok)
	}
}

func TestExchange_ErrorRelayed(t *testing.T) {
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"AADB2C90080: The provided grant has expired."}`))
	}))
	defer upstream.Close()

	proxy := newProxyServer(t, upstream)
	conf := &oauth2.Config{
		ClientID: "web-app",
		Endpoint: oauth2.Endpoint{
			TokenURL:  proxy.URL + "/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	_, err := conf.Exchange(context.Background(), "expired")
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		t.Fatalf("Exchange() error = %v, want *oauth2.RetrieveError", err)
	}
	if re.Response.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", re.Response.StatusCode, http.StatusBadRequest)
	}
	if re.ErrorCode != "invalid_grant" {
		t.Errorf("ErrorCode = %q, want invalid_grant", re.ErrorCode)
	}
}

func TestExchange_ChunkedBodyGetsContentLength(t *testing.T) {
	const sent = "grant_type=refresh_token&refresh_token=rt"
	const want = sent + "&scope=openid%20offline_access%20api%3A%2F%2Fx%2Fread"
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(r.TransferEncoding) != 0 {
			t.Errorf("TransferEncoding = %v, want none", r.TransferEncoding)
		}
		if r.ContentLength != int64(len(want)) {
			t.Errorf("ContentLength = %d, want %d", r.ContentLength, len(want))
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != want {
			t.Errorf("body = %q, want %q", body, want)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	proxy := newProxyServer(t, upstream)

	// A reader of unknown length makes net/http send the body chunked.
	req, err := http.NewRequest(http.MethodPost, proxy.URL+"/token", iotest.OneByteReader(strings.NewReader(sent)))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
}
