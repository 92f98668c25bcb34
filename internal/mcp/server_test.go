package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/icm-sh/icm/internal/store"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), store.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewDispatcher(NewHandler(s, nil, "embed-optional"), ""), s
}

func dispatch(t *testing.T, d *Dispatcher, raw string) *Response {
	t.Helper()
	var req Request
	require.NoError(t, json.Unmarshal([]byte(raw), &req))
	return d.Dispatch(context.Background(), &req)
}

// resultPayload unwraps the JSON text content of a tools/call response.
func resultPayload(t *testing.T, resp *Response, into any) {
	t.Helper()
	require.NotNil(t, resp)
	require.Nil(t, resp.Error, "unexpected rpc error: %+v", resp.Error)
	tr, ok := resp.Result.(*ToolResult)
	require.True(t, ok, "result is %T", resp.Result)
	require.Len(t, tr.Content, 1)
	require.NoError(t, json.Unmarshal([]byte(tr.Content[0].Text), into))
}

func callTool(t *testing.T, d *Dispatcher, name string, args map[string]any) *Response {
	t.Helper()
	argsJSON, _ := json.Marshal(args)
	raw := fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":%q,"arguments":%s}}`,
		name, argsJSON)
	return dispatch(t, d, raw)
}

func TestInitialize(t *testing.T) {
	d, _ := newTestDispatcher(t)

	resp := dispatch(t, d, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)

	result := resp.Result.(map[string]any)
	assert.Equal(t, protocolVersion, result["protocolVersion"])
	assert.Contains(t, result["instructions"], "icm_memory_recall")
}

func TestToolsListHas16Tools(t *testing.T) {
	d, _ := newTestDispatcher(t)

	resp := dispatch(t, d, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	require.NotNil(t, resp)
	tools := resp.Result.(map[string]any)["tools"].([]toolDef)
	assert.Len(t, tools, 16)

	names := map[string]bool{}
	for _, td := range tools {
		names[td.Name] = true
	}
	for _, want := range []string{
		"icm_memory_store", "icm_memory_recall", "icm_memory_forget",
		"icm_memory_consolidate", "icm_memory_list_topics", "icm_memory_stats",
		"icm_memory_embed_all",
		"icm_memoir_create", "icm_memoir_list", "icm_memoir_show",
		"icm_memoir_add_concept", "icm_memoir_refine", "icm_memoir_search",
		"icm_memoir_search_all", "icm_memoir_link", "icm_memoir_inspect",
	} {
		assert.True(t, names[want], "missing tool %s", want)
	}
}

func TestNotificationGetsNoResponse(t *testing.T) {
	d, _ := newTestDispatcher(t)
	resp := dispatch(t, d, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	assert.Nil(t, resp)
}

func TestMethodNotFound(t *testing.T) {
	d, _ := newTestDispatcher(t)
	resp := dispatch(t, d, `{"jsonrpc":"2.0","id":3,"method":"resources/list"}`)
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeMethodNotFound, resp.Error.Code)
}

func TestStoreAndRecallRoundTrip(t *testing.T) {
	d, _ := newTestDispatcher(t)

	resp := callTool(t, d, "icm_memory_store", map[string]any{
		"topic":      "proj",
		"content":    "use Postgres for the main database",
		"importance": "high",
		"keywords":   []string{"database", "postgres"},
	})
	var stored struct {
		ID string `json:"id"`
	}
	resultPayload(t, resp, &stored)
	assert.NotEmpty(t, stored.ID)

	resp = callTool(t, d, "icm_memory_recall", map[string]any{"query": "database"})
	var hits []struct {
		ID      string  `json:"id"`
		Topic   string  `json:"topic"`
		Summary string  `json:"summary"`
		Score   float64 `json:"score"`
		Weight  float64 `json:"weight"`
	}
	resultPayload(t, resp, &hits)
	require.Len(t, hits, 1)
	assert.Equal(t, stored.ID, hits[0].ID)
	assert.Equal(t, "proj", hits[0].Topic)
}

func TestForgetReportsDeletion(t *testing.T) {
	d, _ := newTestDispatcher(t)

	resp := callTool(t, d, "icm_memory_store", map[string]any{
		"topic": "t", "content": "temporary",
	})
	var stored struct {
		ID string `json:"id"`
	}
	resultPayload(t, resp, &stored)

	var out struct {
		Deleted bool `json:"deleted"`
	}
	resultPayload(t, callTool(t, d, "icm_memory_forget", map[string]any{"id": stored.ID}), &out)
	assert.True(t, out.Deleted)

	resultPayload(t, callTool(t, d, "icm_memory_forget", map[string]any{"id": stored.ID}), &out)
	assert.False(t, out.Deleted)
}

func TestConsolidateTool(t *testing.T) {
	d, _ := newTestDispatcher(t)

	callTool(t, d, "icm_memory_store", map[string]any{"topic": "t", "content": "first entry", "keywords": []string{"a"}})
	callTool(t, d, "icm_memory_store", map[string]any{"topic": "t", "content": "second entry", "keywords": []string{"b"}})

	var out struct {
		NewID         string `json:"new_id"`
		AbsorbedCount int    `json:"absorbed_count"`
	}
	resultPayload(t, callTool(t, d, "icm_memory_consolidate", map[string]any{"topic": "t"}), &out)
	assert.NotEmpty(t, out.NewID)
	assert.Equal(t, 2, out.AbsorbedCount)

	var topics []struct {
		Topic string `json:"topic"`
		Count int    `json:"count"`
	}
	resultPayload(t, callTool(t, d, "icm_memory_list_topics", map[string]any{}), &topics)
	require.Len(t, topics, 1)
	assert.Equal(t, 1, topics[0].Count)
}

func TestToolErrorCarriesKind(t *testing.T) {
	d, _ := newTestDispatcher(t)

	resp := callTool(t, d, "icm_memory_store", map[string]any{
		"topic": "", "content": "no topic",
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeToolError, resp.Error.Code)
	assert.Equal(t, "invalid_input", resp.Error.Data["kind"])

	resp = callTool(t, d, "icm_memoir_show", map[string]any{"name": "ghost"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, "not_found", resp.Error.Data["kind"])
}

func TestUnknownToolArguments(t *testing.T) {
	d, _ := newTestDispatcher(t)
	resp := callTool(t, d, "icm_memory_recall", map[string]any{"query": "x", "surprise": true})
	require.NotNil(t, resp.Error)
	assert.Equal(t, "invalid_input", resp.Error.Data["kind"])
}

func TestMemoirToolFlow(t *testing.T) {
	d, _ := newTestDispatcher(t)

	resultPayload(t, callTool(t, d, "icm_memoir_create", map[string]any{"name": "arch"}), &struct{}{})
	resultPayload(t, callTool(t, d, "icm_memoir_add_concept", map[string]any{
		"memoir": "arch", "name": "api", "definition": "the public api",
	}), &struct{}{})
	resultPayload(t, callTool(t, d, "icm_memoir_add_concept", map[string]any{
		"memoir": "arch", "name": "db", "definition": "the database",
	}), &struct{}{})
	resultPayload(t, callTool(t, d, "icm_memoir_link", map[string]any{
		"memoir": "arch", "from": "api", "to": "db", "kind": "depends_on",
	}), &struct{}{})

	var inspect struct {
		Memoir string `json:"memoir"`
		Layers [][]struct {
			Name string `json:"name"`
			Via  string `json:"via"`
		} `json:"layers"`
	}
	resultPayload(t, callTool(t, d, "icm_memoir_inspect", map[string]any{
		"memoir": "arch", "concept": "api", "depth": 1,
	}), &inspect)

	require.Len(t, inspect.Layers, 2)
	assert.Equal(t, "api", inspect.Layers[0][0].Name)
	assert.Equal(t, "db", inspect.Layers[1][0].Name)
	assert.Equal(t, "depends_on", inspect.Layers[1][0].Via)
}

func TestEmbedAllWithoutEmbedder(t *testing.T) {
	d, _ := newTestDispatcher(t)
	resp := callTool(t, d, "icm_memory_embed_all", map[string]any{})
	require.NotNil(t, resp.Error)
	assert.Equal(t, "unavailable", resp.Error.Data["kind"])
}

func TestServeStdio(t *testing.T) {
	d, _ := newTestDispatcher(t)

	in := strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`not json at all`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"icm_memory_list_topics","arguments":{}}}`,
		``,
	}, "\n")

	var out bytes.Buffer
	err := d.ServeStdio(context.Background(), strings.NewReader(in), &out)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3) // initialize + parse error + tools/call

	var first Response
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "2.0", first.JSONRPC)

	var parseErr Response
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &parseErr))
	require.NotNil(t, parseErr.Error)
	assert.Equal(t, codeParseError, parseErr.Error.Code)
}
