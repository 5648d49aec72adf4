// Package upstream forwards chat completion requests to an
// OpenAI-compatible endpoint.
package upstream

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/odvcencio/listopia/pkg/errors"
	"github.com/odvcencio/listopia/pkg/logging"
	"github.com/odvcencio/listopia/pkg/telemetry"
)

// Config configures a Forwarder.
type Config struct {
	BaseURL      string
	APIKey       string
	DefaultModel string
	Referer      string
	Title        string
	Timeout      time.Duration
	LogBodies    bool
}

// Response is an upstream reply. The caller owns Body and must close it.
// Non-2xx replies are returned, not converted to errors, so they can be
// passed to the client verbatim.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	Stream     bool
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Forwarder posts chat requests upstream.
type Forwarder struct {
	cfg        Config
	url        string
	httpClient *http.Client
	log        *logging.Logger
}

// Option configures a Forwarder.
type Option func(*Forwarder)

// WithHTTPClient replaces the HTTP client. Its transport is used as is.
func WithHTTPClient(hc *http.Client) Option {
	return func(f *Forwarder) {
		if hc != nil {
			f.httpClient = hc
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *logging.Logger) Option {
	return func(f *Forwarder) {
		if log != nil {
			f.log = log
		}
	}
}

// New creates a forwarder for cfg.
func New(cfg Config, opts ...Option) (*Forwarder, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New(errors.ErrCodeConfigInvalid, "upstream api key is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	f := &Forwarder{
		cfg: cfg,
		url: NormalizeURL(cfg.BaseURL),
		log: logging.Discard(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.log = f.log.Component("upstream")
	if f.httpClient == nil {
		f.httpClient = &http.Client{
			// No client timeout: it would cut long streams. The deadline
			// is carried by the request context instead.
			Transport: NewLoggingTransport(defaultTransport(), f.log, cfg.LogBodies),
		}
	}
	return f, nil
}

func defaultTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}
}

// URL is the normalised chat completions endpoint.
func (f *Forwarder) URL() string { return f.url }

// DefaultModel is used when the caller omits model.
func (f *Forwarder) DefaultModel() string { return f.cfg.DefaultModel }

// Timeout is the upstream deadline applied by callers.
func (f *Forwarder) Timeout() time.Duration { return f.cfg.Timeout }

// Forward posts body upstream. Transport failures are UPSTREAM_UNAVAILABLE
// errors; any HTTP reply, whatever its status, is returned as a Response.
func (f *Forwarder) Forward(ctx context.Context, body []byte, stream bool) (*Response, error) {
	ctx, span := telemetry.StartSpan(ctx, "upstream.forward",
		attribute.String("upstream.url", f.url),
		attribute.Bool("upstream.stream", stream),
	)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		telemetry.EndSpan(span, err)
		return nil, errors.Wrap(err, errors.ErrCodeUpstreamUnavailable, "build upstream request")
	}
	req.Header.Set("Authorization", "Bearer "+f.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	} else {
		req.Header.Set("Accept", "application/json")
	}
	if f.cfg.Referer != "" {
		req.Header.Set("HTTP-Referer", f.cfg.Referer)
	}
	if f.cfg.Title != "" {
		req.Header.Set("X-Title", f.cfg.Title)
	}

	start := time.Now()
	resp, err := f.httpClient.Do(req)
	if err != nil {
		telemetry.UpstreamLatency.WithLabelValues(telemetry.StatusClass(0)).Observe(time.Since(start).Seconds())
		telemetry.EndSpan(span, err)
		return nil, errors.Wrap(err, errors.ErrCodeUpstreamUnavailable, "upstream request failed").
			WithContext("url", f.url).
			WithRetryable(true)
	}
	telemetry.UpstreamLatency.WithLabelValues(telemetry.StatusClass(resp.StatusCode)).Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	out := &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
		Stream:     stream,
	}
	if !out.OK() {
		f.log.WithContext(ctx).UpstreamStatus(f.url, resp.StatusCode)
	}
	return out, nil
}
