package service

import (
	"bytes"
	"net/http"
	"net/url"
	"strings"
)

// scopeMarker is matched as a raw substring, so "scope=" anywhere in the body
// (including inside another field's value) suppresses injection.
var scopeMarker = []byte("scope=")

// ScopeRewriter appends the configured scope to POST bodies that lack one.
type ScopeRewriter struct {
	fullScope string
	suffix    []byte
}

// NewScopeRewriter creates a ScopeRewriter for the given space-separated scope.
func NewScopeRewriter(fullScope string) *ScopeRewriter {
	return &ScopeRewriter{
		fullScope: fullScope,
		suffix:    []byte("&scope=" + encodeComponent(fullScope)),
	}
}

// FullScope returns the unencoded scope string.
func (r *ScopeRewriter) FullScope() string { return r.fullScope }

// Rewrite returns the body to forward and whether the scope was appended.
// Non-POST bodies and bodies already carrying "scope=" are returned as is.
func (r *ScopeRewriter) Rewrite(method string, body []byte) ([]byte, bool) {
	if method != http.MethodPost || bytes.Contains(body, scopeMarker) {
		return body, false
	}
	out := make([]byte, 0, len(body)+len(r.suffix))
	out = append(out, body...)
	out = append(out, r.suffix...)
	return out, true
}

// encodeComponent percent-encodes s for a form value with spaces as %20.
func encodeComponent(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
