package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testVersions = Versions{
	Default:   "2025-06-18",
	Supported: []string{"2024-11-05", "2025-03-26", "2025-06-18"},
}

func echoTool() Tool {
	return Tool{
		Name:        "echo",
		Description: "echoes the keyword",
		InputSchema: Schema{
			Type:       "object",
			Properties: map[string]Property{"keyword": {Type: "string"}},
			Required:   []string{"keyword"},
		},
		Handler: func(_ context.Context, args map[string]any) (Output, error) {
			kw, _ := args["keyword"].(string)
			return Output{Text: "echo:" + kw, Data: map[string]any{"keyword": kw}}, nil
		},
	}
}

func failingTool() Tool {
	return Tool{
		Name:        "broken",
		InputSchema: Schema{Type: "object"},
		Handler: func(context.Context, map[string]any) (Output, error) {
			return Output{Data: map[string]any{"source": "test"}}, errors.New("backend down")
		},
	}
}

func panickyTool() Tool {
	return Tool{
		Name: "panics",
		Handler: func(context.Context, map[string]any) (Output, error) {
			panic("boom")
		},
	}
}

func newTestEndpoint(t *testing.T, name string) *Gateway {
	t.Helper()
	reg := MustRegistry(echoTool(), failingTool(), panickyTool())
	g, err := NewEndpoint(reg, name, Options{Versions: testVersions, Version: "test"})
	require.NoError(t, err)
	return g
}

func post(t *testing.T, h http.Handler, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeSingle(t *testing.T, rec *httptest.ResponseRecorder) ClientResponse {
	t.Helper()
	var resp ClientResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp
}

func TestNewEndpointUnknownTool(t *testing.T) {
	_, err := NewEndpoint(MustRegistry(echoTool()), "missing", Options{})
	assert.Error(t, err)
}

func TestLivenessProbe(t *testing.T) {
	g := newTestEndpoint(t, "echo")

	for _, method := range []string{http.MethodGet, http.MethodOptions} {
		rec := httptest.NewRecorder()
		g.ServeHTTP(rec, httptest.NewRequest(method, "/mcp", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "2025-06-18", rec.Header().Get(HeaderProtocolVersion))
		assert.JSONEq(t, `{"ok":true,"name":"echo","mcp":true}`, rec.Body.String())
	}
}

func TestInitializeNegotiatesVersion(t *testing.T) {
	g := newTestEndpoint(t, "echo")

	tests := []struct {
		name      string
		requested string
		header    string
		want      string
	}{
		{"requested supported", "2024-11-05", "", "2024-11-05"},
		{"requested unsupported falls back to header", "1999-01-01", "2025-03-26", "2025-03-26"},
		{"nothing supported uses default", "1999-01-01", "1999-02-02", "2025-06-18"},
		{"nothing sent uses default", "", "", "2025-06-18"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"` + tt.requested + `"}}`
			header := http.Header{}
			if tt.header != "" {
				header.Set(HeaderProtocolVersion, tt.header)
			}
			rec := post(t, g, body, header)
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, tt.want, rec.Header().Get(HeaderProtocolVersion))

			resp := decodeSingle(t, rec)
			require.Nil(t, resp.Error)
			var result InitializeResult
			require.NoError(t, json.Unmarshal(resp.Result, &result))
			assert.Equal(t, tt.want, result.ProtocolVersion)
			assert.Equal(t, "echo", result.ServerInfo.Name)
			assert.Contains(t, result.Capabilities, "tools")
		})
	}
}

func TestToolsListReturnsOnlyBoundTool(t *testing.T) {
	g := newTestEndpoint(t, "echo")

	resp := decodeSingle(t, post(t, g, `{"jsonrpc":"2.0","id":"a","method":"tools/list"}`, nil))
	require.Nil(t, resp.Error)
	assert.JSONEq(t, `"a"`, string(resp.ID))

	var result ToolsListResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.Len(t, result.Tools, 1)
	assert.Equal(t, "echo", result.Tools[0].Name)
	assert.Equal(t, []string{"keyword"}, result.Tools[0].InputSchema.Required)
}

func TestToolsCall(t *testing.T) {
	g := newTestEndpoint(t, "echo")

	resp := decodeSingle(t, post(t, g, `{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"echo","arguments":{"keyword":"猫咪"}}}`, nil))
	require.Nil(t, resp.Error)
	assert.JSONEq(t, `7`, string(resp.ID))

	var result ToolCallResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.False(t, result.IsError)
	assert.Equal(t, "echo:猫咪", result.Text())
	assert.Equal(t, "猫咪", result.Data["keyword"])
}

func TestToolsCallErrors(t *testing.T) {
	tests := []struct {
		name     string
		endpoint string
		body     string
		wantCode int
	}{
		{"name mismatch", "echo", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"broken","arguments":{}}}`, InvalidParams},
		{"missing name", "echo", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"arguments":{}}}`, InvalidParams},
		{"missing params", "echo", `{"jsonrpc":"2.0","id":1,"method":"tools/call"}`, InvalidParams},
		{"missing required argument", "echo", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{}}}`, InvalidParams},
		{"wrong argument type", "echo", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{"keyword":3}}}`, InvalidParams},
		{"unknown method", "echo", `{"jsonrpc":"2.0","id":1,"method":"resources/list"}`, MethodNotFound},
		{"wrong version", "echo", `{"jsonrpc":"1.0","id":1,"method":"tools/list"}`, InvalidRequest},
		{"missing method", "echo", `{"jsonrpc":"2.0","id":1}`, InvalidRequest},
		{"handler panic", "panics", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"panics"}}`, InternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestEndpoint(t, tt.endpoint)
			rec := post(t, g, tt.body, nil)
			assert.Equal(t, http.StatusOK, rec.Code)

			resp := decodeSingle(t, rec)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.wantCode, resp.Error.Code)
			assert.Empty(t, resp.Result)
		})
	}
}

func TestToolFailureIsResultNotError(t *testing.T) {
	g := newTestEndpoint(t, "broken")

	resp := decodeSingle(t, post(t, g, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"broken"}}`, nil))
	require.Nil(t, resp.Error)

	var result ToolCallResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.True(t, result.IsError)
	assert.Contains(t, result.Text(), "backend down")
	assert.Equal(t, "backend down", result.Data["error"])
	assert.Equal(t, "test", result.Data["source"])
}

func TestParseError(t *testing.T) {
	g := newTestEndpoint(t, "echo")

	for _, body := range []string{`{"jsonrpc":`, ``, `not json`} {
		rec := post(t, g, body, nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.NotEmpty(t, rec.Header().Get(HeaderProtocolVersion))

		resp := decodeSingle(t, rec)
		require.NotNil(t, resp.Error)
		assert.Equal(t, ParseError, resp.Error.Code)
		assert.Equal(t, "null", string(resp.ID))
	}
}

func TestNonObjectRequest(t *testing.T) {
	g := newTestEndpoint(t, "echo")

	resp := decodeSingle(t, post(t, g, `42`, nil))
	require.NotNil(t, resp.Error)
	assert.Equal(t, InvalidRequest, resp.Error.Code)
}

func TestNotificationGetsNoContent(t *testing.T) {
	g := newTestEndpoint(t, "echo")

	rec := post(t, g, `{"jsonrpc":"2.0","method":"notifications/initialized"}`, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())
	assert.Equal(t, "2025-06-18", rec.Header().Get(HeaderProtocolVersion))
}

func TestExplicitNullIDIsNotNotification(t *testing.T) {
	g := newTestEndpoint(t, "echo")

	rec := post(t, g, `{"jsonrpc":"2.0","id":null,"method":"tools/list"}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	resp := decodeSingle(t, rec)
	assert.Nil(t, resp.Error)
	assert.Equal(t, "null", string(resp.ID))
}

func TestBatch(t *testing.T) {
	g := newTestEndpoint(t, "echo")

	body := `[
		{"jsonrpc":"2.0","id":1,"method":"tools/list"},
		{"jsonrpc":"2.0","method":"notifications/initialized"},
		{"jsonrpc":"2.0","id":2,"method":"nope"},
		5
	]`
	rec := post(t, g, body, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resps []ClientResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resps))
	require.Len(t, resps, 3)

	assert.JSONEq(t, `1`, string(resps[0].ID))
	assert.Nil(t, resps[0].Error)
	assert.JSONEq(t, `2`, string(resps[1].ID))
	require.NotNil(t, resps[1].Error)
	assert.Equal(t, MethodNotFound, resps[1].Error.Code)
	require.NotNil(t, resps[2].Error)
	assert.Equal(t, InvalidRequest, resps[2].Error.Code)
}

func TestBatchEdgeCases(t *testing.T) {
	g := newTestEndpoint(t, "echo")

	rec := post(t, g, `[]`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	resp := decodeSingle(t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, InvalidRequest, resp.Error.Code)

	rec = post(t, g, `[{"jsonrpc":"2.0","method":"ping"},{"jsonrpc":"2.0","method":"notifications/initialized"}]`, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestBatchInitializeSetsHeader(t *testing.T) {
	g := newTestEndpoint(t, "echo")

	rec := post(t, g, `[{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05"}}]`, nil)
	assert.Equal(t, "2024-11-05", rec.Header().Get(HeaderProtocolVersion))
}

func TestMethodNotAllowed(t *testing.T) {
	g := newTestEndpoint(t, "echo")
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/mcp", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestAggregateGateway(t *testing.T) {
	g := NewAggregate(MustRegistry(echoTool(), failingTool()), "listopia", Options{Versions: testVersions})

	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/mcp", nil))
	assert.JSONEq(t, `{"ok":true,"name":"listopia","mcp":true,"tools":["echo","broken"]}`, rec.Body.String())

	resp := decodeSingle(t, post(t, g, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, nil))
	var list ToolsListResult
	require.NoError(t, json.Unmarshal(resp.Result, &list))
	assert.Len(t, list.Tools, 2)

	resp = decodeSingle(t, post(t, g, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{"keyword":"x"}}}`, nil))
	require.Nil(t, resp.Error)

	resp = decodeSingle(t, post(t, g, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"ghost"}}`, nil))
	require.NotNil(t, resp.Error)
	assert.Equal(t, InvalidParams, resp.Error.Code)
}

func TestGatewayCallToolInProcess(t *testing.T) {
	g := NewAggregate(MustRegistry(echoTool(), failingTool()), "listopia", Options{Versions: testVersions})

	res, err := g.CallTool(context.Background(), "echo", map[string]any{"keyword": "k"})
	require.NoError(t, err)
	assert.Equal(t, "echo:k", res.Text())

	res, err = g.CallTool(context.Background(), "broken", nil)
	require.NoError(t, err)
	assert.True(t, res.IsError)

	_, err = g.CallTool(context.Background(), "echo", nil)
	var rpcErr *Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, InvalidParams, rpcErr.Code)
}

func TestStatelessAcrossRequests(t *testing.T) {
	g := newTestEndpoint(t, "echo")
	body := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{"keyword":"same"}}}`

	first := post(t, g, body, nil).Body.String()
	post(t, g, `{"jsonrpc":"2.0","id":9,"method":"initialize","params":{"protocolVersion":"2024-11-05"}}`, nil)
	second := post(t, g, body, nil)

	assert.JSONEq(t, first, second.Body.String())
	assert.Equal(t, "2025-06-18", second.Header().Get(HeaderProtocolVersion))
}
