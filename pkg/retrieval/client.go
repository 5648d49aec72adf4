// Package retrieval fetches persona anchor context from a workflow engine
// and fits it into a bounded snippet.
package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/odvcencio/listopia/pkg/errors"
	"github.com/odvcencio/listopia/pkg/logging"
	"github.com/odvcencio/listopia/pkg/telemetry"
)

// ErrCircuitOpen is returned while the workflow breaker is open.
var ErrCircuitOpen = stderrors.New("retrieval circuit breaker is open")

const (
	defaultUser     = "mcp"
	maxResponseSize = 4 << 20
)

// Outputs are the two workflow fields a snippet can come from.
type Outputs struct {
	Result   string `json:"result"`
	ChatText string `json:"chat_text"`
}

// Picked returns result, falling back to chat_text.
func (o Outputs) Picked() string {
	if r := strings.TrimSpace(o.Result); r != "" {
		return r
	}
	return strings.TrimSpace(o.ChatText)
}

// Snippet is bounded retrieval context plus what produced it.
type Snippet struct {
	Text    string  `json:"text"`
	Keyword string  `json:"keyword"`
	Bounds  Bounds  `json:"bounds"`
	Raw     Outputs `json:"raw"`
}

// Retriever is the lookup the tool handlers depend on.
type Retriever interface {
	Retrieve(ctx context.Context, keyword, user string) (*Snippet, error)
}

// Config configures a Client.
type Config struct {
	WorkflowURL   string
	APIKey        string
	WorkflowID    string
	Timeout       time.Duration
	Bounds        Bounds
	CacheSize     int
	CacheTTL      time.Duration
	RatePerSecond float64
	Burst         int
	Breaker       BreakerConfig
}

// Client calls a blocking workflow run endpoint.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *Breaker
	group      singleflight.Group
	cache      *expirable.LRU[string, Outputs]
	log        *logging.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *logging.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// NewClient builds a client. A zero CacheTTL disables caching; a zero
// RatePerSecond disables rate limiting.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.WorkflowURL) == "" || strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New(errors.ErrCodeConfigInvalid, "retrieval requires both a workflow url and an api key")
	}
	if cfg.Bounds.Min <= 0 || cfg.Bounds.Max < cfg.Bounds.Min {
		return nil, errors.Newf(errors.ErrCodeConfigInvalid, "invalid snippet bounds [%d,%d]", cfg.Bounds.Min, cfg.Bounds.Max)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        logging.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.Component("retrieval")

	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	if cfg.CacheTTL > 0 {
		size := cfg.CacheSize
		if size <= 0 {
			size = 256
		}
		c.cache = expirable.NewLRU[string, Outputs](size, nil, cfg.CacheTTL)
	}
	c.breaker = NewBreaker("retrieval", cfg.Breaker, c.log)
	return c, nil
}

// Breaker exposes the workflow circuit breaker.
func (c *Client) Breaker() *Breaker { return c.breaker }

// Retrieve runs the workflow for keyword and returns a snippet within the
// configured bounds. Identical concurrent lookups share one workflow call.
func (c *Client) Retrieve(ctx context.Context, keyword, user string) (*Snippet, error) {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return nil, errors.New(errors.ErrCodeInvalidInput, "keyword is required")
	}
	user = strings.TrimSpace(user)
	if user == "" {
		user = defaultUser
	}

	out, err := c.outputs(ctx, keyword, user)
	if err != nil {
		return nil, err
	}

	text, err := Clip(out.Picked(), c.cfg.Bounds)
	if err != nil {
		return nil, err
	}
	return &Snippet{Text: text, Keyword: keyword, Bounds: c.cfg.Bounds, Raw: out}, nil
}

func (c *Client) outputs(ctx context.Context, keyword, user string) (Outputs, error) {
	key := keyword + "\x00" + user
	if c.cache != nil {
		if out, ok := c.cache.Get(key); ok {
			telemetry.RetrievalRequests.WithLabelValues("cache", "ok").Inc()
			return out, nil
		}
	}

	ch := c.group.DoChan(key, func() (any, error) {
		// Detached so one caller's cancellation does not fail the others.
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.Timeout)
		defer cancel()

		var out Outputs
		err := c.breaker.Call(func() error {
			var callErr error
			out, callErr = c.run(callCtx, keyword, user)
			return callErr
		})
		telemetry.RetrievalRequests.WithLabelValues("workflow", telemetry.Outcome(err)).Inc()
		if err != nil {
			if stderrors.Is(err, ErrCircuitOpen) {
				return Outputs{}, errors.Wrap(err, errors.ErrCodeCircuitOpen, "retrieval unavailable").WithRetryable(true)
			}
			return Outputs{}, err
		}
		if c.cache != nil && out.Picked() != "" {
			c.cache.Add(key, out)
		}
		return out, nil
	})

	select {
	case <-ctx.Done():
		return Outputs{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Outputs{}, res.Err
		}
		return res.Val.(Outputs), nil
	}
}

type workflowRequest struct {
	Inputs       map[string]string `json:"inputs"`
	ResponseMode string            `json:"response_mode"`
	User         string            `json:"user"`
	WorkflowID   string            `json:"workflow_id,omitempty"`
}

func (c *Client) run(ctx context.Context, keyword, user string) (Outputs, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return Outputs{}, errors.Wrap(err, errors.ErrCodeRetrievalFailed, "rate limiter wait")
		}
	}

	body, err := json.Marshal(workflowRequest{
		Inputs:       map[string]string{"keyword": keyword},
		ResponseMode: "blocking",
		User:         user,
		WorkflowID:   c.cfg.WorkflowID,
	})
	if err != nil {
		return Outputs{}, fmt.Errorf("marshal workflow request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.WorkflowURL, bytes.NewReader(body))
	if err != nil {
		return Outputs{}, fmt.Errorf("build workflow request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Outputs{}, errors.Wrap(err, errors.ErrCodeRetrievalFailed, "workflow request failed").WithRetryable(true)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return Outputs{}, errors.Wrap(err, errors.ErrCodeRetrievalFailed, "read workflow response")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Outputs{}, errors.Newf(errors.ErrCodeRetrievalFailed, "workflow returned status %d", resp.StatusCode).
			WithContext("body", truncateForLog(string(raw))).
			WithRetryable(resp.StatusCode >= 500)
	}
	if !gjson.ValidBytes(raw) {
		return Outputs{}, errors.New(errors.ErrCodeRetrievalFailed, "workflow returned invalid json")
	}
	return ExtractOutputs(raw), nil
}

// ExtractOutputs reads result/chat_text from data.outputs, or from a
// top-level outputs object.
func ExtractOutputs(raw []byte) Outputs {
	outputs := gjson.GetBytes(raw, "data.outputs")
	if !outputs.IsObject() {
		outputs = gjson.GetBytes(raw, "outputs")
	}
	if !outputs.IsObject() {
		return Outputs{}
	}
	return Outputs{
		Result:   stringValue(outputs.Get("result")),
		ChatText: stringValue(outputs.Get("chat_text")),
	}
}

func stringValue(r gjson.Result) string {
	switch r.Type {
	case gjson.Null:
		return ""
	case gjson.String:
		return r.Str
	default:
		return r.Raw
	}
}

func truncateForLog(s string) string {
	const limit = 512
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
