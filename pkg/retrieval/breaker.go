package retrieval

import (
	"fmt"
	"sync"
	"time"

	"github.com/odvcencio/listopia/pkg/logging"
	"github.com/odvcencio/listopia/pkg/telemetry"
)

// CircuitState is the state of a Breaker.
type CircuitState int

const (
	// CircuitClosed lets calls through.
	CircuitClosed CircuitState = iota
	// CircuitHalfOpen lets one probe call through.
	CircuitHalfOpen
	// CircuitOpen rejects calls until the reset timeout passes.
	CircuitOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds the trip threshold and cool-down.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures that opens the circuit.
	MaxFailures int
	// ResetTimeout is how long the circuit stays open before a probe.
	ResetTimeout time.Duration
}

// DefaultBreakerConfig trips after 5 failures and probes after 30s.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{MaxFailures: 5, ResetTimeout: 30 * time.Second}
}

// Breaker guards the workflow endpoint so a dead backend fails fast instead
// of holding every turn for the full tool timeout.
type Breaker struct {
	name   string
	config BreakerConfig
	log    *logging.Logger
	now    func() time.Time

	mu          sync.Mutex
	state       CircuitState
	failures    int
	lastFailure time.Time
	probing     bool
}

// NewBreaker creates a closed breaker.
func NewBreaker(name string, cfg BreakerConfig, log *logging.Logger) *Breaker {
	def := DefaultBreakerConfig()
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if log == nil {
		log = logging.Discard()
	}
	b := &Breaker{name: name, config: cfg, log: log, now: time.Now}
	telemetry.CircuitState.WithLabelValues(name).Set(float64(CircuitClosed))
	return b
}

// State returns the current state.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Call runs fn unless the circuit is open. Only one probe runs while
// half-open; concurrent callers are rejected.
func (b *Breaker) Call(fn func() error) error {
	b.mu.Lock()
	switch b.state {
	case CircuitOpen:
		since := b.now().Sub(b.lastFailure)
		if since < b.config.ResetTimeout {
			b.mu.Unlock()
			return fmt.Errorf("%w (last failure %v ago)", ErrCircuitOpen, since.Round(time.Millisecond))
		}
		b.transition(CircuitHalfOpen)
		b.probing = true
	case CircuitHalfOpen:
		if b.probing {
			b.mu.Unlock()
			return fmt.Errorf("%w (probe in flight)", ErrCircuitOpen)
		}
		b.probing = true
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
	if err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

// Reset closes the circuit.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.lastFailure = time.Time{}
	b.probing = false
	b.transition(CircuitClosed)
}

// must hold b.mu
func (b *Breaker) recordFailure() {
	b.failures++
	b.lastFailure = b.now()
	switch b.state {
	case CircuitHalfOpen:
		b.transition(CircuitOpen)
	case CircuitClosed:
		if b.failures >= b.config.MaxFailures {
			b.transition(CircuitOpen)
		}
	}
}

// must hold b.mu
func (b *Breaker) recordSuccess() {
	b.failures = 0
	b.lastFailure = time.Time{}
	b.transition(CircuitClosed)
}

// must hold b.mu
func (b *Breaker) transition(to CircuitState) {
	if b.state == to {
		return
	}
	b.log.CircuitBreakerStateChange(b.name, b.state.String(), to.String())
	b.state = to
	telemetry.CircuitState.WithLabelValues(b.name).Set(float64(to))
}
