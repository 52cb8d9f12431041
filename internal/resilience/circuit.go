package resilience

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// ErrOpenCircuit is returned when the breaker refuses an outbound call.
var ErrOpenCircuit = errors.New("resilience: circuit breaker open")

// State is the breaker position.
type State int

const (
	Closed State = iota
	Open
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

func (s State) gauge() float64 {
	switch s {
	case Closed:
		return 0
	case Open:
		return 1
	case HalfOpen:
		return 2
	default:
		return -1
	}
}

// outcomes counts results observed while the breaker is closed.
type outcomes struct {
	ok   int
	fail int
}

func (o outcomes) total() int { return o.ok + o.fail }

func (o outcomes) failureRatio() float64 {
	if o.total() == 0 {
		return 0
	}
	return float64(o.fail) / float64(o.total())
}

// halve keeps the window bounded while preserving the observed ratio.
func (o *outcomes) halve() {
	o.ok = (o.ok + 1) / 2
	o.fail = (o.fail + 1) / 2
}

// Breaker opens once the failure ratio over at least minRequests calls reaches
// the threshold, rejects calls for openFor and then lets a single trial call through.
type Breaker struct {
	mu           sync.Mutex
	state        State
	window       outcomes
	minRequests  int
	failureRatio float64
	openFor      time.Duration
	openedAt     time.Time
	target       string
	logger       zerolog.Logger
}

func NewBreaker(minRequests int, failureRatio float64, openFor time.Duration) *Breaker {
	if minRequests <= 0 {
		minRequests = 1
	}
	switch {
	case failureRatio <= 0:
		failureRatio = 0.5
	case failureRatio > 1:
		failureRatio = 1
	}
	if openFor <= 0 {
		openFor = 30 * time.Second
	}
	return &Breaker{
		minRequests:  minRequests,
		failureRatio: failureRatio,
		openFor:      openFor,
		logger:       zerolog.Nop(),
	}
}

// WithTarget names the guarded dependency in metrics and logs.
func (b *Breaker) WithTarget(target string) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.target = strings.TrimSpace(target)
	b.publishStateLocked()
	return b
}

func (b *Breaker) WithLogger(logger zerolog.Logger) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logger = logger
	return b
}

// State returns the current position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether a call may proceed. An open breaker moves to
// half-open once the cool-off has elapsed.
func (b *Breaker) Allow(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Open {
		return true
	}
	if time.Since(b.openedAt) < b.openFor {
		return false
	}
	b.moveLocked(ctx, HalfOpen)
	return true
}

// Report records the outcome of a call admitted by Allow.
func (b *Breaker) Report(ctx context.Context, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Open:
		return
	case HalfOpen:
		if success {
			b.moveLocked(ctx, Closed)
		} else {
			b.moveLocked(ctx, Open)
		}
		return
	}
	if success {
		b.window.ok++
	} else {
		b.window.fail++
	}
	if b.window.total() < b.minRequests {
		return
	}
	if b.window.failureRatio() >= b.failureRatio {
		b.moveLocked(ctx, Open)
		return
	}
	if b.window.total() > b.minRequests*2 {
		b.window.halve()
	}
}

func (b *Breaker) moveLocked(ctx context.Context, next State) {
	prev := b.state
	if prev == next {
		b.publishStateLocked()
		return
	}
	b.state = next
	b.window = outcomes{}
	switch next {
	case Open:
		b.openedAt = time.Now()
	case Closed:
		b.openedAt = time.Time{}
	}
	b.publishStateLocked()

	label := b.label()
	BreakerTransitions.WithLabelValues(label, prev.String(), next.String()).Inc()
	if next == Open {
		BreakerOpenedTotal.WithLabelValues(label).Inc()
	}
	logger := b.logger
	if ctxLogger := zerolog.Ctx(ctx); ctxLogger.GetLevel() != zerolog.Disabled {
		logger = *ctxLogger
	}
	evt := logger.Warn().Str("target", label).Str("from_state", prev.String()).Str("to_state", next.String())
	if span := trace.SpanContextFromContext(ctx); span.IsValid() {
		evt = evt.Str("trace_id", span.TraceID().String())
	}
	evt.Msg("breaker_transition")
}

func (b *Breaker) publishStateLocked() {
	BreakerState.WithLabelValues(b.label()).Set(b.state.gauge())
}

func (b *Breaker) label() string {
	if b.target == "" {
		return "default"
	}
	return b.target
}

// Backoff returns base * 2^(attempt-1), spread by +/- jitterPct.
func Backoff(base time.Duration, attempt int, jitterPct float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	d := base << uint(attempt-1)
	if jitterPct <= 0 {
		return d
	}
	spread := float64(d) * jitterPct
	return d + time.Duration((rand.Float64()*2-1)*spread)
}
