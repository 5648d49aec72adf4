// Package orchestrator runs a chat turn: it resolves the session, gathers
// summaries and retrieval context, forwards the augmented request upstream
// and rolls the summaries forward once the reply is delivered.
package orchestrator

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/odvcencio/listopia/pkg/errors"
	"github.com/odvcencio/listopia/pkg/events"
	"github.com/odvcencio/listopia/pkg/keyword"
	"github.com/odvcencio/listopia/pkg/logging"
	"github.com/odvcencio/listopia/pkg/mcp"
	"github.com/odvcencio/listopia/pkg/session"
	"github.com/odvcencio/listopia/pkg/storage"
	"github.com/odvcencio/listopia/pkg/summary"
	"github.com/odvcencio/listopia/pkg/telemetry"
	"github.com/odvcencio/listopia/pkg/upstream"
)

//go:generate mockgen -package=orchestrator -destination=mock_collaborators_test.go github.com/odvcencio/listopia/pkg/orchestrator ToolCaller,Forwarder

// ErrUpstreamUnconfigured is returned by Execute when no forwarder is wired.
var ErrUpstreamUnconfigured = errors.New(errors.ErrCodeUpstreamUnavailable, "upstream not configured")

// ToolCaller invokes a context tool. Both the in-process gateway and the
// HTTP client satisfy it.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.ToolCallResult, error)
}

// Forwarder sends the prepared body upstream.
type Forwarder interface {
	Forward(ctx context.Context, body []byte, stream bool) (*upstream.Response, error)
	URL() string
}

// SummaryReader reads one summary tier; absent tiers read as "".
type SummaryReader interface {
	ReadSummary(ctx context.Context, sessionID string, tier storage.Tier) (string, error)
}

// Roller appends a delivered exchange and rewrites the summaries.
type Roller interface {
	Roll(ctx context.Context, ex storage.Exchange) (*summary.Result, error)
}

// Options are the per-deployment turn settings.
type Options struct {
	// InjectionEnabled turns retrieval context on.
	InjectionEnabled bool
	// ForceEveryTurn calls the context tool on every turn rather than
	// leaving the decision to the model.
	ForceEveryTurn bool
	// ToolName is the context tool to call.
	ToolName string
	// ToolTimeout bounds the context tool call. It is independent of, and
	// shorter than, UpstreamTimeout.
	ToolTimeout     time.Duration
	UpstreamTimeout time.Duration
	// RollTimeout bounds the detached summary roll-forward.
	RollTimeout  time.Duration
	DefaultModel string
	StreamBuffer int
	// StreamWriteTimeout is the per-write deadline on a streaming client
	// and how long a full client queue may wait before the client is
	// dropped.
	StreamWriteTimeout time.Duration
	// SanitizeToolTraces drops orphan tool messages and unanswered tool
	// calls before forwarding. Off by default: caller messages are
	// forwarded as sent.
	SanitizeToolTraces bool
}

// Deps are the orchestrator's collaborators. Tools, Roller and Publisher
// may be nil.
type Deps struct {
	Resolver  *session.Resolver
	Summaries SummaryReader
	Extractor keyword.Extractor
	Tools     ToolCaller
	Forwarder Forwarder
	Roller    Roller
	Publisher *events.Publisher
	Logger    *logging.Logger
}

// Orchestrator runs chat turns. Turns are independent; it holds no
// per-session state.
type Orchestrator struct {
	deps Deps
	opts Options
	log  *logging.Logger

	rolls sync.WaitGroup
}

// New creates an orchestrator.
func New(deps Deps, opts Options) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	if deps.Resolver == nil {
		deps.Resolver = session.NewResolver()
	}
	if opts.ToolName == "" {
		opts.ToolName = "gateway_ctx"
	}
	if opts.ToolTimeout <= 0 {
		opts.ToolTimeout = 8 * time.Second
	}
	if opts.UpstreamTimeout <= 0 {
		opts.UpstreamTimeout = 5 * time.Minute
	}
	if opts.RollTimeout <= 0 {
		opts.RollTimeout = 30 * time.Second
	}
	if opts.StreamWriteTimeout <= 0 {
		opts.StreamWriteTimeout = 30 * time.Second
	}
	return &Orchestrator{deps: deps, opts: opts, log: deps.Logger.Component("orchestrator")}
}

// Turn is a prepared request ready to forward.
type Turn struct {
	SessionID string
	Stream    bool
	Model     string
	UserText  string
	Keywords  []string
	// Snippet is the injected retrieval context, empty when none was used.
	Snippet     string
	SystemBlock string
	// Messages is the sanitised, augmented list sent upstream.
	Messages []json.RawMessage
	// Body is the rewritten request body.
	Body      []byte
	StartedAt time.Time
}

// Injected reports whether retrieval context made it into the request.
func (t *Turn) Injected() bool { return t.Snippet != "" }

// Prepare builds the upstream request for body. The caller's messages are
// never modified; the system block is prepended to a sanitised copy.
func (o *Orchestrator) Prepare(ctx context.Context, header http.Header, body []byte) (*Turn, error) {
	ctx, span := telemetry.StartSpan(ctx, "turn.prepare")
	defer span.End()

	if !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
		return nil, errors.New(errors.ErrCodeInvalidInput, "request body must be a JSON object")
	}
	messages, ok := splitMessages(body)
	if !ok {
		return nil, errors.New(errors.ErrCodeInvalidInput, "messages must be an array")
	}

	turn := &Turn{
		SessionID: o.deps.Resolver.Resolve(header, body),
		Stream:    streamFlag(gjson.GetBytes(body, "stream")),
		Model:     strings.TrimSpace(gjson.GetBytes(body, "model").String()),
		UserText:  LastUserText(messages),
		StartedAt: time.Now(),
	}
	if turn.Model == "" {
		turn.Model = o.opts.DefaultModel
	}
	span.SetAttributes(attribute.String("session.id", turn.SessionID), attribute.Bool("turn.stream", turn.Stream))
	log := o.log.WithContext(ctx).WithSession(turn.SessionID)

	long, short := o.readSummaries(ctx, log, turn.SessionID)

	if o.opts.InjectionEnabled && o.opts.ForceEveryTurn {
		turn.Keywords, turn.Snippet = o.fetchContext(ctx, log, turn)
	} else {
		telemetry.ContextInjections.WithLabelValues("disabled").Inc()
	}

	turn.SystemBlock = SystemBlock(long, short, turn.Snippet)
	forwarded := messages
	if o.opts.SanitizeToolTraces {
		forwarded = Sanitize(messages)
	}
	turn.Messages = make([]json.RawMessage, 0, len(forwarded)+1)
	if turn.SystemBlock != "" {
		turn.Messages = append(turn.Messages, systemMessage(turn.SystemBlock))
	}
	turn.Messages = append(turn.Messages, forwarded...)

	rewritten, err := upstream.RewriteBody(body, turn.Messages, o.opts.DefaultModel)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidInput, "rewrite request body")
	}
	turn.Body = rewritten
	return turn, nil
}

// readSummaries reads both tiers concurrently. A failed read degrades to
// an empty tier.
func (o *Orchestrator) readSummaries(ctx context.Context, log *logging.Logger, sessionID string) (long, short string) {
	if o.deps.Summaries == nil {
		return "", ""
	}
	var g errgroup.Group
	g.Go(func() error {
		var err error
		long, err = o.deps.Summaries.ReadSummary(ctx, sessionID, storage.TierLong)
		if err != nil {
			log.Warn("read long summary failed", "error", err.Error())
			long = ""
		}
		return nil
	})
	g.Go(func() error {
		var err error
		short, err = o.deps.Summaries.ReadSummary(ctx, sessionID, storage.TierShort)
		if err != nil {
			log.Warn("read short summary failed", "error", err.Error())
			short = ""
		}
		return nil
	})
	_ = g.Wait()
	return long, short
}

// fetchContext calls the context tool under its own timeout. Every failure
// mode yields an empty snippet.
func (o *Orchestrator) fetchContext(ctx context.Context, log *logging.Logger, turn *Turn) ([]string, string) {
	var keywords []string
	if o.deps.Extractor != nil {
		keywords = o.deps.Extractor.Extract(turn.UserText)
	}
	if o.deps.Tools == nil {
		telemetry.ContextInjections.WithLabelValues("unavailable").Inc()
		return keywords, ""
	}

	toolCtx, cancel := context.WithTimeout(ctx, o.opts.ToolTimeout)
	defer cancel()
	toolCtx, span := telemetry.StartSpan(toolCtx, "turn.context_tool", attribute.String("tool.name", o.opts.ToolName))
	defer span.End()

	res, err := o.deps.Tools.CallTool(toolCtx, o.opts.ToolName, map[string]any{
		"keyword": keyword.Join(keywords),
		"text":    turn.UserText,
		"user":    turn.SessionID,
	})
	switch {
	case err != nil:
		result := "error"
		if stderrors.Is(err, context.DeadlineExceeded) || toolCtx.Err() != nil {
			result = "timeout"
			err = errors.Wrap(err, errors.ErrCodeToolTimeout, "context tool timed out")
		}
		telemetry.ContextInjections.WithLabelValues(result).Inc()
		telemetry.EndSpan(span, err)
		log.ToolCallFailed(o.opts.ToolName, err)
		return keywords, ""
	case res == nil || res.IsError:
		result, code := "tool_error", errors.ErrCodeToolFailed
		if toolCtx.Err() != nil {
			result, code = "timeout", errors.ErrCodeToolTimeout
		}
		telemetry.ContextInjections.WithLabelValues(result).Inc()
		log.ToolCallFailed(o.opts.ToolName, errors.New(code, res.Text()))
		return keywords, ""
	}

	snippet := strings.TrimSpace(res.Text())
	if snippet == "" {
		telemetry.ContextInjections.WithLabelValues("empty").Inc()
	} else {
		telemetry.ContextInjections.WithLabelValues("ok").Inc()
	}
	return keywords, snippet
}

// Wait blocks until in-flight roll-forwards finish.
func (o *Orchestrator) Wait() {
	o.rolls.Wait()
}

func streamFlag(v gjson.Result) bool {
	switch v.Type {
	case gjson.True:
		return true
	case gjson.String:
		return strings.EqualFold(strings.TrimSpace(v.Str), "true")
	default:
		return false
	}
}
