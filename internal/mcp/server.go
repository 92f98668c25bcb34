package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
)

// defaultInstructions is returned from initialize so the host agent knows
// when to reach for the memory tools.
const defaultInstructions = `Use ICM (Infinite Context Memory) proactively to keep long-term memory across sessions.

RECALL (icm_memory_recall): at the start of a task, search for relevant past context: decisions, resolved errors, user preferences. Search only what is relevant.

STORE (icm_memory_store): store important information as it appears:
- architecture decisions, topic "decisions-<project>"
- resolved errors with their fix, topic "errors-resolved"
- user preferences discovered in session, topic "preferences"
- project context after significant work, topic "context-<project>"

Do NOT store trivial details or ephemeral state.

Importance: critical (never forgotten), high (slow decay), medium (normal), low (fast decay).`

// Dispatcher turns one JSON-RPC request into a response.
type Dispatcher struct {
	handler      *Handler
	instructions string
}

// NewDispatcher builds the protocol front for a tool handler. Empty
// instructions fall back to the built-in text.
func NewDispatcher(h *Handler, instructions string) *Dispatcher {
	if instructions == "" {
		instructions = defaultInstructions
	}
	return &Dispatcher{handler: h, instructions: instructions}
}

// Dispatch handles one message. A nil response means the message was a
// notification and needs no reply.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) *Response {
	if req.ID == nil {
		return nil // notification
	}

	switch req.Method {
	case "initialize":
		r := ok(req.ID, map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": serverName, "version": serverVersion},
			"instructions":    d.instructions,
		})
		return &r
	case "ping":
		r := ok(req.ID, map[string]any{})
		return &r
	case "tools/list":
		r := ok(req.ID, map[string]any{"tools": toolDefinitions()})
		return &r
	case "tools/call":
		return d.toolsCall(ctx, req)
	default:
		r := rpcErr(req.ID, codeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method))
		return &r
	}
}

func (d *Dispatcher) toolsCall(ctx context.Context, req *Request) *Response {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if len(req.Params) == 0 {
		r := rpcErr(req.ID, codeInvalidParams, "missing params")
		return &r
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		r := rpcErr(req.ID, codeInvalidParams, "invalid params: "+err.Error())
		return &r
	}
	if params.Name == "" {
		r := rpcErr(req.ID, codeInvalidParams, "missing tool name")
		return &r
	}

	result, err := d.handler.Call(ctx, params.Name, params.Arguments)
	if err != nil {
		r := toolErr(req.ID, err)
		return &r
	}
	r := ok(req.ID, result)
	return &r
}

// ServeStdio reads newline-delimited JSON-RPC from r and writes responses
// to w. It returns when r is exhausted or ctx is cancelled.
func (d *Dispatcher) ServeStdio(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			slog.Error("invalid JSON-RPC message", "error", err)
			resp := rpcErr(json.RawMessage("null"), codeParseError, "parse error: "+err.Error())
			if err := writeResponse(w, &resp); err != nil {
				return err
			}
			continue
		}

		slog.Debug("mcp request", "method", req.Method)
		resp := d.Dispatch(ctx, &req)
		if resp == nil {
			continue
		}
		if err := writeResponse(w, resp); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func writeResponse(w io.Writer, resp *Response) error {
	b, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	if _, err := w.Write(append(b, '\n')); err != nil {
		return err
	}
	if f, ok := w.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

// ServeHTTP runs the same dispatcher behind a single POST /rpc endpoint.
func (d *Dispatcher) ServeHTTP(ctx context.Context, addr string) error {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.POST("/rpc", func(c echo.Context) error {
		var req Request
		if err := c.Bind(&req); err != nil {
			resp := rpcErr(json.RawMessage("null"), codeParseError, "parse error: "+err.Error())
			return c.JSON(http.StatusOK, resp)
		}
		resp := d.Dispatch(c.Request().Context(), &req)
		if resp == nil {
			return c.NoContent(http.StatusAccepted)
		}
		return c.JSON(http.StatusOK, resp)
	})

	go func() {
		<-ctx.Done()
		e.Shutdown(context.Background())
	}()

	slog.Info("mcp http server listening", "addr", addr)
	err := e.Start(addr)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
