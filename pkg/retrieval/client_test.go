package retrieval

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/listopia/pkg/errors"
)

type workflowServer struct {
	*httptest.Server
	calls atomic.Int32
	last  atomic.Value
}

func newWorkflowServer(t *testing.T, handler func(w http.ResponseWriter, req workflowRequest)) *workflowServer {
	t.Helper()
	ws := &workflowServer{}
	ws.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws.calls.Add(1)
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			http.Error(w, "unauthorized: "+got, http.StatusUnauthorized)
			return
		}
		var req workflowRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		ws.last.Store(req)
		handler(w, req)
	}))
	t.Cleanup(ws.Close)
	return ws
}

func testConfig(url string) Config {
	return Config{
		WorkflowURL: url,
		APIKey:      "secret",
		WorkflowID:  "wf-anchor",
		Timeout:     5 * time.Second,
		Bounds:      Bounds{Min: 1, Max: 400},
	}
}

func TestRetrieveSendsWorkflowRequest(t *testing.T) {
	ws := newWorkflowServer(t, func(w http.ResponseWriter, _ workflowRequest) {
		_, _ = w.Write([]byte(`{"data":{"outputs":{"result":"  anchor text  "}}}`))
	})
	c, err := NewClient(testConfig(ws.URL))
	require.NoError(t, err)

	snip, err := c.Retrieve(context.Background(), "猫咪,哥哥", "rk:42")
	require.NoError(t, err)

	want := workflowRequest{
		Inputs:       map[string]string{"keyword": "猫咪,哥哥"},
		ResponseMode: "blocking",
		User:         "rk:42",
		WorkflowID:   "wf-anchor",
	}
	if diff := cmp.Diff(want, ws.last.Load().(workflowRequest)); diff != "" {
		t.Errorf("workflow request mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "anchor text", snip.Text)
	assert.Equal(t, "猫咪,哥哥", snip.Keyword)
	assert.Equal(t, Bounds{Min: 1, Max: 400}, snip.Bounds)
}

func TestRetrieveDefaultsUser(t *testing.T) {
	ws := newWorkflowServer(t, func(w http.ResponseWriter, _ workflowRequest) {
		_, _ = w.Write([]byte(`{"outputs":{"result":"ok"}}`))
	})
	c, err := NewClient(testConfig(ws.URL))
	require.NoError(t, err)

	_, err = c.Retrieve(context.Background(), "k", "")
	require.NoError(t, err)
	assert.Equal(t, "mcp", ws.last.Load().(workflowRequest).User)
}

func TestRetrieveTruncatesLongResult(t *testing.T) {
	ws := newWorkflowServer(t, func(w http.ResponseWriter, _ workflowRequest) {
		body, _ := json.Marshal(map[string]any{"data": map[string]any{"outputs": map[string]any{"result": strings.Repeat("X", 500)}}})
		_, _ = w.Write(body)
	})
	cfg := testConfig(ws.URL)
	cfg.Bounds = Bounds{Min: 50, Max: 200}
	c, err := NewClient(cfg)
	require.NoError(t, err)

	snip, err := c.Retrieve(context.Background(), "X", "u")
	require.NoError(t, err)
	n := utf8.RuneCountInString(snip.Text)
	assert.GreaterOrEqual(t, n, 50)
	assert.LessOrEqual(t, n, 200)
	assert.Len(t, snip.Raw.Result, 500)
}

func TestExtractOutputs(t *testing.T) {
	tests := []struct {
		name string
		body string
		want Outputs
	}{
		{"nested", `{"data":{"outputs":{"result":"r","chat_text":"c"}}}`, Outputs{Result: "r", ChatText: "c"}},
		{"top level", `{"outputs":{"chat_text":"c"}}`, Outputs{ChatText: "c"}},
		{"nested wins", `{"data":{"outputs":{"result":"a"}},"outputs":{"result":"b"}}`, Outputs{Result: "a"}},
		{"null fields", `{"outputs":{"result":null,"chat_text":null}}`, Outputs{}},
		{"no outputs", `{"data":{"status":"failed"}}`, Outputs{}},
		{"outputs not object", `{"outputs":"text"}`, Outputs{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractOutputs([]byte(tt.body)))
		})
	}
}

func TestOutputsPickedFallsBackToChatText(t *testing.T) {
	assert.Equal(t, "chat", Outputs{Result: "  ", ChatText: " chat "}.Picked())
	assert.Equal(t, "res", Outputs{Result: "res", ChatText: "chat"}.Picked())
}

func TestRetrieveEmptyResultIsError(t *testing.T) {
	ws := newWorkflowServer(t, func(w http.ResponseWriter, _ workflowRequest) {
		_, _ = w.Write([]byte(`{"data":{"outputs":{"result":""}}}`))
	})
	c, err := NewClient(testConfig(ws.URL))
	require.NoError(t, err)

	_, err = c.Retrieve(context.Background(), "k", "u")
	assert.True(t, errors.IsCode(err, errors.ErrCodeRetrievalEmpty), "got %v", err)
}

func TestRetrieveNon2xx(t *testing.T) {
	ws := newWorkflowServer(t, func(w http.ResponseWriter, _ workflowRequest) {
		http.Error(w, `{"message":"quota"}`, http.StatusTooManyRequests)
	})
	c, err := NewClient(testConfig(ws.URL))
	require.NoError(t, err)

	_, err = c.Retrieve(context.Background(), "k", "u")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeRetrievalFailed))
	assert.Contains(t, err.Error(), "429")
}

func TestRetrieveRequiresKeyword(t *testing.T) {
	c, err := NewClient(testConfig("http://127.0.0.1:1"))
	require.NoError(t, err)

	_, err = c.Retrieve(context.Background(), "  ", "u")
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidInput))
}

func TestNewClientValidates(t *testing.T) {
	_, err := NewClient(Config{WorkflowURL: "http://x"})
	assert.True(t, errors.IsCode(err, errors.ErrCodeConfigInvalid))

	cfg := testConfig("http://x")
	cfg.Bounds = Bounds{Min: 10, Max: 5}
	_, err = NewClient(cfg)
	assert.True(t, errors.IsCode(err, errors.ErrCodeConfigInvalid))
}

func TestRetrieveCachesByKeywordAndUser(t *testing.T) {
	ws := newWorkflowServer(t, func(w http.ResponseWriter, req workflowRequest) {
		_, _ = w.Write([]byte(`{"outputs":{"result":"for ` + req.Inputs["keyword"] + `"}}`))
	})
	cfg := testConfig(ws.URL)
	cfg.CacheTTL = time.Minute
	cfg.CacheSize = 8
	c, err := NewClient(cfg)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		snip, err := c.Retrieve(ctx, "a", "u1")
		require.NoError(t, err)
		assert.Equal(t, "for a", snip.Text)
	}
	assert.EqualValues(t, 1, ws.calls.Load())

	_, err = c.Retrieve(ctx, "a", "u2")
	require.NoError(t, err)
	assert.EqualValues(t, 2, ws.calls.Load())
}

func TestRetrieveWithoutCacheAlwaysCalls(t *testing.T) {
	ws := newWorkflowServer(t, func(w http.ResponseWriter, _ workflowRequest) {
		_, _ = w.Write([]byte(`{"outputs":{"result":"x"}}`))
	})
	c, err := NewClient(testConfig(ws.URL))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := c.Retrieve(context.Background(), "a", "u")
		require.NoError(t, err)
	}
	assert.EqualValues(t, 3, ws.calls.Load())
}

func TestRetrieveCoalescesConcurrentCalls(t *testing.T) {
	release := make(chan struct{})
	ws := newWorkflowServer(t, func(w http.ResponseWriter, _ workflowRequest) {
		<-release
		_, _ = w.Write([]byte(`{"outputs":{"result":"shared"}}`))
	})
	c, err := NewClient(testConfig(ws.URL))
	require.NoError(t, err)

	const callers = 8
	var started, wg sync.WaitGroup
	started.Add(callers)
	wg.Add(callers)
	results := make([]string, callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			started.Done()
			snip, err := c.Retrieve(context.Background(), "same", "u")
			if err == nil {
				results[i] = snip.Text
			}
		}(i)
	}
	started.Wait()
	require.Eventually(t, func() bool { return ws.calls.Load() >= 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, "shared", r)
	}
	assert.LessOrEqual(t, ws.calls.Load(), int32(callers))
}

func TestRetrieveBreakerFailsFast(t *testing.T) {
	ws := newWorkflowServer(t, func(w http.ResponseWriter, _ workflowRequest) {
		http.Error(w, "down", http.StatusBadGateway)
	})
	cfg := testConfig(ws.URL)
	cfg.Breaker = BreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour}
	c, err := NewClient(cfg)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := c.Retrieve(context.Background(), "k", "u")
		require.Error(t, err)
	}
	_, err = c.Retrieve(context.Background(), "k", "u")
	assert.True(t, errors.IsCode(err, errors.ErrCodeCircuitOpen), "got %v", err)
	assert.EqualValues(t, 2, ws.calls.Load())
	assert.Equal(t, CircuitOpen, c.Breaker().State())
}

func TestRetrieveHonoursCallerCancellation(t *testing.T) {
	release := make(chan struct{})
	ws := newWorkflowServer(t, func(w http.ResponseWriter, _ workflowRequest) {
		<-release
		_, _ = w.Write([]byte(`{"outputs":{"result":"late"}}`))
	})
	defer close(release)
	c, err := NewClient(testConfig(ws.URL))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = c.Retrieve(ctx, "k", "u")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
