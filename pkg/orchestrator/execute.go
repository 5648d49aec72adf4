package orchestrator

import (
	"context"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/odvcencio/listopia/pkg/events"
	"github.com/odvcencio/listopia/pkg/logging"
	"github.com/odvcencio/listopia/pkg/session"
	"github.com/odvcencio/listopia/pkg/storage"
	"github.com/odvcencio/listopia/pkg/stream"
	"github.com/odvcencio/listopia/pkg/telemetry"
	"github.com/odvcencio/listopia/pkg/upstream"
)

// HeaderUpstreamURL names the upstream that served a chat response.
const HeaderUpstreamURL = "X-Upstream-URL"

// Outcome describes how a turn ended.
type Outcome struct {
	StatusCode int
	// Delivered is true when the caller received a complete 2xx reply.
	Delivered bool
	// Assistant is the reply text used for the roll-forward.
	Assistant string
	// ClientGone is set when a streaming client disconnected or stopped
	// reading mid-reply.
	ClientGone bool

	clientDone <-chan struct{}
}

// Execute forwards turn upstream and writes the reply to w. Upstream
// transport failures are returned before anything is written; every HTTP
// reply, whatever its status, is written through verbatim. The summary
// roll-forward runs detached after a delivered reply.
func (o *Orchestrator) Execute(ctx context.Context, w http.ResponseWriter, turn *Turn) (*Outcome, error) {
	ctx, span := telemetry.StartSpan(ctx, "turn.execute",
		attribute.String("session.id", turn.SessionID),
		attribute.Bool("turn.stream", turn.Stream),
	)
	defer span.End()
	log := o.log.WithContext(ctx).WithSession(turn.SessionID)

	if o.deps.Forwarder == nil {
		return nil, ErrUpstreamUnconfigured
	}

	// The upstream call outlives a departed client so the reply can still
	// be accumulated and rolled into the summaries.
	upCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.UpstreamTimeout)
	defer cancel()

	resp, err := o.deps.Forwarder.Forward(upCtx, turn.Body, turn.Stream)
	if err != nil {
		telemetry.TurnsTotal.WithLabelValues("upstream_error", strconv.FormatBool(turn.Stream)).Inc()
		telemetry.EndSpan(span, err)
		return nil, err
	}
	defer resp.Body.Close()

	w.Header().Set(session.HeaderName, turn.SessionID)
	w.Header().Set(HeaderUpstreamURL, o.deps.Forwarder.URL())

	out := &Outcome{StatusCode: resp.StatusCode}
	switch {
	case !resp.OK():
		o.copyVerbatim(w, resp, log)
	case turn.Stream && isEventStream(resp.Header):
		o.relay(ctx, w, resp, turn, out, log)
	default:
		body := o.copyVerbatim(w, resp, log)
		if body != nil {
			out.Delivered = true
			out.Assistant = upstream.AssistantText(body)
		}
	}
	span.SetAttributes(attribute.Int("http.status_code", out.StatusCode), attribute.Bool("turn.delivered", out.Delivered))

	outcome := "ok"
	switch {
	case !resp.OK():
		outcome = "upstream_status"
	case !out.Delivered:
		outcome = "incomplete"
	case out.ClientGone:
		outcome = "client_gone"
	}
	telemetry.TurnsTotal.WithLabelValues(outcome, strconv.FormatBool(turn.Stream)).Inc()

	if out.Delivered && strings.TrimSpace(out.Assistant) != "" {
		o.rollForward(ctx, storage.Exchange{
			SessionID:     turn.SessionID,
			UserText:      turn.UserText,
			AssistantText: out.Assistant,
			Model:         turn.Model,
		})
	}

	if o.deps.Publisher != nil {
		o.deps.Publisher.TurnCompleted(context.WithoutCancel(ctx), events.TurnCompleted{
			SessionID:       turn.SessionID,
			Model:           turn.Model,
			Stream:          turn.Stream,
			ContextInjected: turn.Injected(),
			UpstreamStatus:  resp.StatusCode,
			Duration:        time.Since(turn.StartedAt),
		})
	}

	// A stalled writer may still hold w; the write deadline releases it.
	if out.clientDone != nil {
		<-out.clientDone
	}
	return out, nil
}

// copyVerbatim writes resp to w unchanged and returns the body it read. A
// nil return means the upstream body could not be read in full.
func (o *Orchestrator) copyVerbatim(w http.ResponseWriter, resp *upstream.Response, log *logging.Logger) []byte {
	body, readErr := io.ReadAll(resp.Body)
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	} else {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(body); err != nil {
		log.Debug("client write failed", "error", err.Error())
	}
	if readErr != nil {
		log.Warn("upstream body read failed", "error", readErr.Error())
		return nil
	}
	return body
}

func (o *Orchestrator) relay(ctx context.Context, w http.ResponseWriter, resp *upstream.Response, turn *Turn, out *Outcome, log *logging.Logger) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(resp.StatusCode)

	acc := stream.AcquireAccumulator()
	defer stream.ReleaseAccumulator(acc)

	res := stream.Relay(ctx, resp.Body, stream.NewHTTPSink(w, o.opts.StreamWriteTimeout), acc, stream.Options{
		Buffer:       o.opts.StreamBuffer,
		StallTimeout: o.opts.StreamWriteTimeout,
	})
	out.clientDone = res.ClientDone
	if res.ClientErr != nil {
		out.ClientGone = true
		log.Info("stream client went away, draining upstream", "error", res.ClientErr.Error(), "frames", res.Frames)
	}
	if !res.Complete() {
		log.Warn("upstream stream ended early", "error", res.UpstreamErr.Error())
		return
	}
	out.Delivered = true
	out.Assistant = acc.Content()
	if turn.Model == "" {
		turn.Model = acc.Model()
	}
}

// rollForward appends the exchange and rewrites both tiers off the request
// path. Failures are logged; the delivered turn is never affected.
func (o *Orchestrator) rollForward(ctx context.Context, ex storage.Exchange) {
	if o.deps.Roller == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	o.rolls.Add(1)
	go func() {
		defer o.rolls.Done()
		ctx, cancel := context.WithTimeout(ctx, o.opts.RollTimeout)
		defer cancel()
		ctx, span := telemetry.StartSpan(ctx, "turn.roll_forward", attribute.String("session.id", ex.SessionID))
		defer span.End()

		if _, err := o.deps.Roller.Roll(ctx, ex); err != nil {
			telemetry.EndSpan(span, err)
			o.log.WithContext(ctx).WithSession(ex.SessionID).Warn("summary roll-forward failed", "error", err.Error())
		}
	}()
}

func isEventStream(h http.Header) bool {
	mt, _, err := mime.ParseMediaType(h.Get("Content-Type"))
	return err == nil && mt == "text/event-stream"
}
