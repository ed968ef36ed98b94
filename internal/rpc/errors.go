package rpc

import (
	"encoding/json"
	"errors"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/x85446/voicemode/internal/converse"
	"github.com/x85446/voicemode/internal/registry"
	"github.com/x85446/voicemode/internal/supervisor"
)

// kindOf extends the engine taxonomy with the surface-level classifications
// for supervisor and registry errors.
func kindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, supervisor.ErrUnknownService),
		errors.Is(err, supervisor.ErrUnknownModel),
		errors.Is(err, registry.ErrUnknownEndpoint),
		errors.Is(err, registry.ErrDuplicateID):
		return "invalid_request"
	}
	return converse.Kind(err)
}

// codeFor maps a taxonomy kind to a stable JSON-RPC style numeric code.
func codeFor(kind string) int {
	switch kind {
	case "invalid_request":
		return -32602
	case "busy":
		return -32001
	case "no_matching_provider":
		return -32002
	case "provider_exhausted":
		return -32003
	case "no_speech_detected":
		return -32004
	case "device_changed":
		return -32005
	case "deadline_exceeded":
		return -32006
	case "cancelled":
		return -32007
	case "service_unavailable":
		return -32008
	default:
		return -32603
	}
}

// errObject is the wire shape of a surfaced failure.
type errObject struct {
	Kind   string `json:"kind"`
	Code   int    `json:"code"`
	Detail string `json:"detail"`
}

func newErrObject(err error) *errObject {
	kind := kindOf(err)
	return &errObject{Kind: kind, Code: codeFor(kind), Detail: err.Error()}
}

// errorResult wraps a taxonomy error as a tool-level error result. Protocol
// and transport stay healthy; only the call is marked failed.
func errorResult(err error) *mcpsdk.CallToolResult {
	body, merr := json.Marshal(map[string]any{"error": newErrObject(err)})
	if merr != nil {
		body = []byte(`{"error":{"kind":"internal","code":-32603,"detail":"error marshal failed"}}`)
	}
	return &mcpsdk.CallToolResult{
		IsError: true,
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(body)}},
	}
}
