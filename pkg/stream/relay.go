package stream

import (
	"context"
	stderrors "errors"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/odvcencio/listopia/pkg/telemetry"
)

// Sink receives relayed frames.
type Sink interface {
	Write(p []byte) (int, error)
	Flush() error
}

// HTTPSink writes to an http.ResponseWriter, flushing after every frame.
// Each write gets its own deadline so a stuck client surfaces as an error.
type HTTPSink struct {
	w            http.ResponseWriter
	rc           *http.ResponseController
	writeTimeout time.Duration
}

// NewHTTPSink wraps w. A zero writeTimeout leaves deadlines alone.
func NewHTTPSink(w http.ResponseWriter, writeTimeout time.Duration) *HTTPSink {
	return &HTTPSink{w: w, rc: http.NewResponseController(w), writeTimeout: writeTimeout}
}

func (s *HTTPSink) Write(p []byte) (int, error) {
	if s.writeTimeout > 0 {
		if err := s.rc.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil && !stderrors.Is(err, http.ErrNotSupported) {
			return 0, err
		}
	}
	return s.w.Write(p)
}

// Flush pushes buffered bytes to the client.
func (s *HTTPSink) Flush() error {
	if err := s.rc.Flush(); err != nil && !stderrors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

// ErrClientStalled marks a client that stopped reading without
// disconnecting.
var ErrClientStalled = stderrors.New("stream client stalled")

const defaultStallTimeout = 30 * time.Second

// Options bound the relay buffers.
type Options struct {
	// Buffer is the capacity of each consumer queue.
	Buffer int
	// StallTimeout is how long a full client queue, or a final flush, may
	// wait on the client before it is dropped. Zero means 30s.
	StallTimeout time.Duration
}

// Result describes a finished relay.
type Result struct {
	// Frames is the number of frames delivered to the client.
	Frames int
	// ClientErr is set when the client went away, stalled, or a write
	// failed. The upstream stream is still drained into the accumulator.
	ClientErr error
	// UpstreamErr is set when reading upstream failed before EOF.
	UpstreamErr error
	// ClientDone is closed once the client writer has returned. After a
	// stall it can close later than Relay returns; nothing may touch the
	// sink until then.
	ClientDone <-chan struct{}
}

// Complete reports whether the upstream stream was read to the end.
func (r Result) Complete() bool { return r.UpstreamErr == nil }

// Relay reads SSE frames from src and fans them out to two consumers: the
// client sink and the accumulator. Each consumer has its own bounded queue.
// Once the client fails or stalls, its frames are discarded so accumulation
// runs to completion at upstream speed. ctx is the client's context.
func Relay(ctx context.Context, src io.Reader, sink Sink, acc *Accumulator, opts Options) Result {
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	if opts.StallTimeout <= 0 {
		opts.StallTimeout = defaultStallTimeout
	}

	clientCh := make(chan []byte, opts.Buffer)
	accCh := make(chan []byte, opts.Buffer)
	dead := make(chan struct{})
	clientDone := make(chan struct{})
	accDone := make(chan struct{})

	var (
		mu        sync.Mutex
		clientErr error
		deadOnce  sync.Once
		frames    atomic.Int64
	)
	markDead := func(err error) {
		deadOnce.Do(func() {
			mu.Lock()
			clientErr = err
			mu.Unlock()
			close(dead)
		})
	}

	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			markDead(ctx.Err())
		case <-stopWatch:
		}
	}()

	go func() {
		defer close(clientDone)
		for raw := range clientCh {
			select {
			case <-dead:
				continue
			default:
			}
			_, err := sink.Write(raw)
			if err == nil {
				err = sink.Flush()
			}
			if err != nil {
				markDead(err)
				continue
			}
			frames.Add(1)
			telemetry.StreamChunks.Inc()
		}
	}()
	go func() {
		defer close(accDone)
		for data := range accCh {
			acc.Add(data)
		}
	}()

	var upstreamErr error
	reader := NewFrameReader(src)
	for {
		frame, err := reader.Next()
		if len(frame.Raw) > 0 {
			if frame.HasData() {
				accCh <- frame.Data
			}
			sendOrStall(clientCh, frame.Raw, dead, opts.StallTimeout, markDead)
		}
		if err != nil {
			if !stderrors.Is(err, io.EOF) {
				upstreamErr = err
			}
			break
		}
	}

	close(clientCh)
	close(accCh)
	<-accDone

	stall := time.NewTimer(opts.StallTimeout)
	select {
	case <-clientDone:
	case <-dead:
	case <-stall.C:
		markDead(ErrClientStalled)
	}
	stall.Stop()
	if err := ctx.Err(); err != nil {
		markDead(err)
	}

	mu.Lock()
	defer mu.Unlock()
	return Result{
		Frames:      int(frames.Load()),
		ClientErr:   clientErr,
		UpstreamErr: upstreamErr,
		ClientDone:  clientDone,
	}
}

// sendOrStall queues raw for the client, dropping the client when the queue
// stays full for longer than wait.
func sendOrStall(ch chan<- []byte, raw []byte, dead <-chan struct{}, wait time.Duration, markDead func(error)) {
	select {
	case ch <- raw:
		return
	case <-dead:
		return
	default:
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case ch <- raw:
	case <-dead:
	case <-t.C:
		markDead(ErrClientStalled)
	}
}
