// Package model defines shared types for the token proxy pipeline.
package model

import (
	"net/http"
)

// InboundRequest is a fully buffered client request.
type InboundRequest struct {
	Method string
	// URI is the request target as received: escaped path plus query.
	URI    string
	Header http.Header
	Body   []byte
}

// OutboundRequest is the request sent to the identity provider. Header carries
// the overridden Host and Content-Length values.
type OutboundRequest struct {
	Method string
	URI    string
	Header http.Header
	Body   []byte
}

// UpstreamResponse is a fully buffered identity provider response.
type UpstreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Stage is a step of the per-request pipeline.
type Stage int

// Pipeline stages in order. Done and Failed are terminal.
const (
	StageIngesting Stage = iota
	StageRewriting
	StageForwarding
	StageAwaitingUpstream
	StageRelaying
	StageDone
	StageFailed
)

// FailedStageKey is the echo context key holding the Stage a relayed request
// failed in. It is only set when the caller is answered with 502.
const FailedStageKey = "b2c_token_proxy.failed_stage"

var stageNames = [...]string{
	StageIngesting:        "ingesting",
	StageRewriting:        "rewriting",
	StageForwarding:       "forwarding",
	StageAwaitingUpstream: "awaiting_upstream",
	StageRelaying:         "relaying",
	StageDone:             "done",
	StageFailed:           "failed",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return "unknown"
	}
	return stageNames[s]
}
