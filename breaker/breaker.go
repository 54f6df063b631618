// Package breaker implements a per-agent circuit breaker guarding unreliable
// operations (model endpoints, tool execution). It exists to stop the tactical
// engine from hammering a failing collaborator indefinitely; it does not retry
// or delay by itself, that is the caller's responsibility. One instance guards
// one capability of one agent and is never shared.
package breaker

import (
	"sync"
	"time"
)

// State is the breaker's position.
type State int

const (
	// Closed allows execution; failures are counted.
	Closed State = iota
	// Open refuses execution until the recovery timeout elapses.
	Open
	// HalfOpen allows a single trial execution.
	HalfOpen
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds the breaker thresholds.
type Config struct {
	// FailureThreshold is the consecutive-failure count that trips Closed -> Open.
	FailureThreshold uint
	// RecoveryTimeout is how long the breaker stays Open before a trial is allowed.
	RecoveryTimeout time.Duration
	// MonitoringWindow bounds how long a recorded failure counts toward the
	// threshold. Failures older than the window are forgotten.
	MonitoringWindow time.Duration
}

// DefaultConfig provides conservative defaults suitable for model and tool calls.
var DefaultConfig = Config{
	FailureThreshold: 5,
	RecoveryTimeout:  30 * time.Second,
	MonitoringWindow: 60 * time.Second,
}

// Options configures a Breaker instance.
type Options struct {
	Config Config
	// Clock overrides the time source. Intended for tests.
	Clock func() time.Time
}

// Breaker is the failure-isolation state machine. All state is mutated only by
// the owning capability's call sites; the mutex makes incidental cross-goroutine
// reads (snapshots, logging) safe.
type Breaker struct {
	mu              sync.Mutex
	state           State
	failureCount    uint
	lastFailureTime time.Time
	cfg             Config
	now             func() time.Time
}

// Snapshot is a point-in-time copy of the breaker's context for logging.
type Snapshot struct {
	State           State
	FailureCount    uint
	LastFailureTime time.Time
}

// New creates a Breaker in the Closed state.
func New(optFns ...func(o *Options)) *Breaker {
	opts := Options{
		Config: DefaultConfig,
		Clock:  time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Breaker{state: Closed, cfg: opts.Config, now: opts.Clock}
}

// WithConfig overrides the default thresholds.
func WithConfig(cfg Config) func(o *Options) {
	return func(o *Options) { o.Config = cfg }
}

// WithClock injects a deterministic time source.
func WithClock(clock func() time.Time) func(o *Options) {
	return func(o *Options) { o.Clock = clock }
}

// CanExecute reports whether a guarded attempt may proceed. It is the only
// transition-reading entry point and must be called before every attempt: the
// lazy Open -> HalfOpen transition happens here when the recovery timeout has
// elapsed (there is no background timer).
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if b.now().Sub(b.lastFailureTime) >= b.cfg.RecoveryTimeout {
			b.state = HalfOpen
			return true
		}
		return false
	case HalfOpen:
		return true
	default:
		return false
	}
}

// RecordSuccess resets the failure count to 0 and returns the breaker to
// Closed from any state.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failureCount = 0
}

// RecordFailure counts a failure. In Closed the breaker trips to Open once the
// threshold is reached; in HalfOpen any failure returns immediately to Open
// with no second chance. Failures outside the monitoring window do not
// accumulate: the count restarts from the new failure.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if b.state == Closed && b.failureCount > 0 && now.Sub(b.lastFailureTime) > b.cfg.MonitoringWindow {
		b.failureCount = 0
	}

	b.failureCount++
	b.lastFailureTime = now

	switch b.state {
	case Closed:
		if b.failureCount >= b.cfg.FailureThreshold {
			b.state = Open
		}
	case HalfOpen:
		b.state = Open
	}
}

// TimeUntilRecovery returns how long until an Open breaker will allow a trial,
// and 0 in every other state.
func (b *Breaker) TimeUntilRecovery() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != Open {
		return 0
	}
	remaining := b.cfg.RecoveryTimeout - b.now().Sub(b.lastFailureTime)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// State returns the current state without side effects.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// FailureCount returns the current consecutive failure count.
func (b *Breaker) FailureCount() uint {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}

// Snapshot returns a copy of the breaker context for diagnostics.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{State: b.state, FailureCount: b.failureCount, LastFailureTime: b.lastFailureTime}
}
