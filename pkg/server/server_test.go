package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/listopia/pkg/errors"
	"github.com/odvcencio/listopia/pkg/mcp"
	"github.com/odvcencio/listopia/pkg/orchestrator"
	"github.com/odvcencio/listopia/pkg/storage"
	"github.com/odvcencio/listopia/pkg/upstream"
)

var testVersions = mcp.Versions{Default: "2025-06-18", Supported: []string{"2025-06-18", "2024-11-05"}}

func echoRegistry(t *testing.T) *mcp.Registry {
	t.Helper()
	reg, err := mcp.NewRegistry(mcp.Tool{
		Name:        "echo",
		Description: "echoes the keyword",
		InputSchema: mcp.Schema{
			Type:       "object",
			Properties: map[string]mcp.Property{"keyword": {Type: "string"}},
			Required:   []string{"keyword"},
		},
		Handler: func(_ context.Context, args map[string]any) (mcp.Output, error) {
			kw, _ := args["keyword"].(string)
			return mcp.Output{Text: "echo:" + kw}, nil
		},
	})
	require.NoError(t, err)
	return reg
}

func newTestServer(t *testing.T, deps Deps) *Server {
	t.Helper()
	reg := echoRegistry(t)
	gw, err := mcp.NewEndpoint(reg, "echo", mcp.Options{Versions: testVersions})
	require.NoError(t, err)
	deps.Gateways = []*mcp.Gateway{gw}
	deps.Aggregate = mcp.NewAggregate(reg, "listopia", mcp.Options{Versions: testVersions})
	return New(Config{RoutePrefix: "/api/v1/"}, deps)
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestToolEndpointsMountedUnderPrefix(t *testing.T) {
	s := newTestServer(t, Deps{})

	rec := do(t, s, http.MethodGet, "/api/v1/mcp/echo", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"ok": true, "name": "echo", "mcp": true}, decode(t, rec))

	rec = do(t, s, http.MethodPost, "/api/v1/mcp/echo",
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{"keyword":"猫咪"}}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "echo:猫咪")

	rec = do(t, s, http.MethodGet, "/api/v1/mcp", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "listopia", decode(t, rec)["name"])

	rec = do(t, s, http.MethodGet, "/api/v1/mcp/unknown", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChatCompletionsUnconfigured(t *testing.T) {
	s := newTestServer(t, Deps{})
	for _, path := range []string{"/v1/chat/completions", "/api/v1/chat/completions"} {
		rec := do(t, s, http.MethodPost, path, `{"messages":[]}`)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
		assert.Equal(t, string(errors.ErrCodeUpstreamUnavailable), decode(t, rec)["code"], path)
	}
}

func newOrchestrator(t *testing.T, upstreamURL string) *orchestrator.Orchestrator {
	t.Helper()
	fwd, err := upstream.New(upstream.Config{BaseURL: upstreamURL, APIKey: "k", DefaultModel: "m"})
	require.NoError(t, err)
	return orchestrator.New(orchestrator.Deps{Forwarder: fwd}, orchestrator.Options{DefaultModel: "m"})
}

func TestChatCompletionsProxies(t *testing.T) {
	var seen []byte
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		seen, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"choices":[{"message":{"role":"assistant","content":"hi"}}]}`)
	}))
	defer up.Close()

	o := newOrchestrator(t, up.URL)
	defer o.Wait()
	s := newTestServer(t, Deps{Chat: o})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/completions",
		strings.NewReader(`{"messages":[{"role":"user","content":"hello"}]}`))
	req.Header.Set("X-Session-Id", "alice")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "rk:alice", rec.Header().Get("X-Session-Id"))
	assert.Equal(t, up.URL+"/v1/chat/completions", rec.Header().Get(orchestrator.HeaderUpstreamURL))
	assert.JSONEq(t, `{"choices":[{"message":{"role":"assistant","content":"hi"}}]}`, rec.Body.String())
	assert.Contains(t, string(seen), `"model":"m"`)
}

func TestChatCompletionsBadBody(t *testing.T) {
	s := newTestServer(t, Deps{Chat: newOrchestrator(t, "http://127.0.0.1:1")})
	rec := do(t, s, http.MethodPost, "/v1/chat/completions", `{"messages":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(errors.ErrCodeInvalidInput), decode(t, rec)["code"])
}

func TestChatCompletionsUpstreamDown(t *testing.T) {
	up := httptest.NewServer(http.NotFoundHandler())
	url := up.URL
	up.Close()

	s := newTestServer(t, Deps{Chat: newOrchestrator(t, url)})
	rec := do(t, s, http.MethodPost, "/v1/chat/completions", `{"messages":[{"role":"user","content":"x"}]}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, string(errors.ErrCodeUpstreamUnavailable), body["code"])
	assert.Equal(t, true, body["retryable"])
}

func TestSessionSummaries(t *testing.T) {
	store, err := storage.New(t.TempDir() + "/listopia.db")
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.WriteSummary(context.Background(), "rk:alice", storage.TierShort, "recent talk"))

	s := newTestServer(t, Deps{Summaries: store})

	rec := do(t, s, http.MethodGet, "/api/v1/sessions/rk:alice/summaries", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "rk:alice", body["session_id"])
	assert.Nil(t, body["long"])
	short, ok := body["short"].(map[string]any)
	require.True(t, ok, "short tier missing: %v", body)
	assert.Equal(t, "recent talk", short["text"])
	assert.NotEmpty(t, short["updated_at"])

	rec = do(t, s, http.MethodDelete, "/api/v1/sessions/rk:alice/summaries", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	got, err := store.ReadSummary(context.Background(), "rk:alice", storage.TierShort)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDebugRoutes(t *testing.T) {
	s := newTestServer(t, Deps{})
	rec := do(t, s, http.MethodGet, "/api/v1/debug/routes", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Routes []routeInfo `json:"routes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	paths := map[string]bool{}
	for _, r := range body.Routes {
		paths[r.Path] = true
	}
	for _, want := range []string{
		"/api/v1/mcp/echo",
		"/api/v1/mcp",
		"/api/v1/chat/completions",
		"/v1/chat/completions",
		"/api/v1/debug/routes",
		"/healthz",
	} {
		assert.True(t, paths[want], "route %s missing from %v", want, paths)
	}
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, Deps{Ready: func(context.Context) error { return nil }})
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/healthz", "").Code)

	s = newTestServer(t, Deps{Ready: func(context.Context) error { return storage.ErrStoreClosed }})
	assert.Equal(t, http.StatusServiceUnavailable, do(t, s, http.MethodGet, "/healthz", "").Code)

	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/ping", "").Code)
}

func TestMetricsExposed(t *testing.T) {
	s := newTestServer(t, Deps{})
	rec := do(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
