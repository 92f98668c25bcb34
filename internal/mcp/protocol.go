// Package mcp exposes the ICM core to agents over stdio-framed JSON-RPC
// 2.0 (Model Context Protocol).
package mcp

import (
	"encoding/json"

	"github.com/icm-sh/icm/internal/icmerr"
)

const (
	serverName      = "icm"
	serverVersion   = "0.3.0"
	protocolVersion = "2024-11-05"
)

// Request is an incoming JSON-RPC message.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is an outgoing JSON-RPC message.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError carries a JSON-RPC error. Tool failures use code -32000 with the
// ICM error kind under data.kind.
type RPCError struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

const (
	codeParseError     = -32700
	codeInvalidParams  = -32602
	codeMethodNotFound = -32601
	codeToolError      = -32000
)

func ok(id json.RawMessage, result any) Response {
	return Response{JSONRPC: "2.0", ID: id, Result: result}
}

func rpcErr(id json.RawMessage, code int, msg string) Response {
	return Response{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: msg}}
}

func toolErr(id json.RawMessage, err error) Response {
	return Response{JSONRPC: "2.0", ID: id, Error: &RPCError{
		Code:    codeToolError,
		Message: err.Error(),
		Data:    map[string]any{"kind": string(icmerr.KindOf(err))},
	}}
}

// ToolResult is the tools/call result payload: a single text content block
// holding the JSON-rendered operation result.
type ToolResult struct {
	Content []TextContent `json:"content"`
}

// TextContent is one agent-visible text block.
type TextContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func textResult(payload any) (*ToolResult, error) {
	b, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, icmerr.Wrap(icmerr.StorageFailure, err, "encode tool result")
	}
	return &ToolResult{Content: []TextContent{{Type: "text", Text: string(b)}}}, nil
}
