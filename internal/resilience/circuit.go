package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// ErrOpenCircuit is returned when the breaker refuses a call outright.
var ErrOpenCircuit = errors.New("resilience: circuit breaker open")

// State of the breaker. The engine runs one breaker per remote dependency:
// the gateway's status API and each webhook delivery client.
type State int

const (
	// Closed passes every call through while counting outcomes.
	Closed State = iota
	// Open rejects calls until the cool-off elapses.
	Open
	// HalfOpen lets a single probe through to test recovery.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker trips when the observed failure ratio crosses a threshold. A
// tripped breaker keeps sweep probes and webhook retries from hammering a
// dependency that is already refusing everyone.
type Breaker struct {
	mu      sync.Mutex
	state   State
	fails   int
	oks     int
	minCall int
	trip    float64
	since   time.Time
	cooloff time.Duration
	target  string
	log     *zerolog.Logger
}

// NewBreaker builds a breaker that opens once at least minCalls outcomes are
// recorded and the failure ratio reaches tripRatio. It stays open for the
// cool-off duration before sampling the dependency again.
func NewBreaker(minCalls int, tripRatio float64, cooloff time.Duration) *Breaker {
	if minCalls <= 0 {
		minCalls = 1
	}
	if tripRatio <= 0 || tripRatio > 1 {
		tripRatio = 0.5
	}
	if cooloff <= 0 {
		cooloff = 30 * time.Second
	}
	return &Breaker{state: Closed, minCall: minCalls, trip: tripRatio, cooloff: cooloff}
}

// WithTarget names the dependency for metric labels and transition logs.
func (b *Breaker) WithTarget(target string) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.target = strings.TrimSpace(target)
	b.publishStateLocked()
	return b
}

// WithLogger sets the logger used for transition events when the context
// carries none.
func (b *Breaker) WithLogger(logger zerolog.Logger) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.log = &logger
	return b
}

// Allow reports whether the next call may proceed. An open breaker admits
// exactly one probe after the cool-off, moving to half-open.
func (b *Breaker) Allow(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Open {
		return true
	}
	if time.Since(b.since) < b.cooloff {
		return false
	}
	b.transitionLocked(ctx, HalfOpen)
	return true
}

// Report feeds one call outcome into the state machine.
func (b *Breaker) Report(ctx context.Context, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		return
	case HalfOpen:
		// The probe alone decides: recover or trip again.
		if success {
			b.transitionLocked(ctx, Closed)
		} else {
			b.transitionLocked(ctx, Open)
		}
		return
	}

	if success {
		b.oks++
	} else {
		b.fails++
	}
	seen := b.fails + b.oks
	if seen < b.minCall {
		return
	}
	if float64(b.fails)/float64(seen) >= b.trip {
		b.transitionLocked(ctx, Open)
		return
	}
	if seen > b.minCall*2 {
		// Halve the window so old outcomes age out.
		b.oks = int(math.Ceil(float64(b.oks) * 0.5))
		b.fails = int(math.Ceil(float64(b.fails) * 0.5))
	}
}

func (b *Breaker) transitionLocked(ctx context.Context, next State) {
	prev := b.state
	if prev == next {
		b.publishStateLocked()
		return
	}
	b.state = next
	b.fails = 0
	b.oks = 0
	switch next {
	case Open:
		b.since = time.Now()
	case Closed:
		b.since = time.Time{}
	}
	b.publishStateLocked()

	label := b.label()
	if BreakerTransitions != nil {
		BreakerTransitions.WithLabelValues(label, prev.String(), next.String()).Inc()
	}
	if next == Open && BreakerOpenedTotal != nil {
		BreakerOpenedTotal.WithLabelValues(label).Inc()
	}
	evt := b.eventLogger(ctx).Info().
		Str("target", label).
		Str("from_state", prev.String()).
		Str("to_state", next.String())
	if span := trace.SpanContextFromContext(ctx); span.IsValid() {
		evt = evt.Str("trace_id", span.TraceID().String())
	}
	evt.Msg("breaker_transition")
}

func (b *Breaker) publishStateLocked() {
	if BreakerState == nil {
		return
	}
	var v float64
	switch b.state {
	case Closed:
		v = 0
	case Open:
		v = 1
	case HalfOpen:
		v = 2
	default:
		v = -1
	}
	BreakerState.WithLabelValues(b.label()).Set(v)
}

func (b *Breaker) label() string {
	if b.target == "" {
		return "default"
	}
	return b.target
}

var nopBreakerLog = zerolog.Nop()

func (b *Breaker) eventLogger(ctx context.Context) *zerolog.Logger {
	if ctxLog := zerolog.Ctx(ctx); ctxLog != nil {
		l := ctxLog.With().Logger()
		return &l
	}
	if b.log != nil {
		return b.log
	}
	return &nopBreakerLog
}

// Backoff computes the exponential retry delay for an attempt, with optional
// jitter expressed as a fraction of the delay.
func Backoff(base time.Duration, attempt int, jitter float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	d := base << uint(attempt-1)
	if jitter <= 0 {
		return d
	}
	spread := float64(d) * jitter
	return d + time.Duration((rand.Float64()*2-1)*spread)
}
