package service

import (
	"github.com/tidwall/gjson"
)

// TokenResponseSummary is the log-safe view of a token endpoint response.
// It never holds token values.
type TokenResponseSummary struct {
	Keys             []string
	Error            string
	ErrorDescription string
}

// HasError reports whether the response carried an OAuth error field.
func (s *TokenResponseSummary) HasError() bool { return s.Error != "" }

// SummarizeTokenResponse extracts the top-level key names (in document order)
// and the OAuth error fields from body. It returns false when body is not a
// JSON object.
func SummarizeTokenResponse(body []byte) (*TokenResponseSummary, bool) {
	if !gjson.ValidBytes(body) {
		return nil, false
	}
	doc := gjson.ParseBytes(body)
	if !doc.IsObject() {
		return nil, false
	}

	s := &TokenResponseSummary{Keys: []string{}}
	doc.ForEach(func(key, _ gjson.Result) bool {
		s.Keys = append(s.Keys, key.String())
		return true
	})

	if e := doc.Get("error"); truthy(e) {
		s.Error = e.String()
		s.ErrorDescription = doc.Get("error_description").String()
	}
	return s, true
}

// truthy reports whether r is set to something other than null, false, zero
// or the empty string. Objects and arrays always count.
func truthy(r gjson.Result) bool {
	switch r.Type {
	case gjson.Null, gjson.False:
		return false
	case gjson.Number:
		return r.Num != 0
	case gjson.String:
		return r.Str != ""
	default:
		return r.Exists()
	}
}
