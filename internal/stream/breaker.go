package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/0xquant/hltracker/internal/metrics"
)

// ErrCircuitOpen rejects items while a breaker is open.
var ErrCircuitOpen = errors.New("circuit open")

// BreakerState is the classic three-state machine.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// StateChange is published on every breaker transition.
type StateChange struct {
	Stream string
	From   BreakerState
	To     BreakerState
	At     time.Time
}

// BreakerConfig controls when a stream's breaker trips and recovers.
type BreakerConfig struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	HalfOpenRequests int
}

// DefaultBreaker trips after 5 consecutive failures and probes again after 60s.
var DefaultBreaker = BreakerConfig{
	FailureThreshold: 5,
	ResetTimeout:     60 * time.Second,
	HalfOpenRequests: 1,
}

// Breaker is the shared state machine behind WithBreaker. One breaker guards
// one named stream; all subscriptions to that stream feed the same counters.
type Breaker struct {
	name string
	cfg  BreakerConfig

	mu            sync.Mutex
	state         BreakerState
	failures      int
	openedAt      time.Time
	probesAllowed int
	probesOk      int
	watchers      []chan StateChange

	nowFn func() time.Time
}

// NewBreaker creates a closed breaker for the named stream.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultBreaker.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultBreaker.ResetTimeout
	}
	if cfg.HalfOpenRequests <= 0 {
		cfg.HalfOpenRequests = DefaultBreaker.HalfOpenRequests
	}
	b := &Breaker{name: name, cfg: cfg, nowFn: time.Now}
	metrics.SetCircuitState(name, int(StateClosed))
	return b
}

// State returns the current state, accounting for an elapsed reset timeout.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state
}

// States returns a channel of transitions. Slow readers drop updates rather
// than stalling the breaker.
func (b *Breaker) States() <-chan StateChange {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan StateChange, 8)
	b.watchers = append(b.watchers, ch)
	return ch
}

// allow decides the fate of one item. It returns ErrCircuitOpen for rejected
// items and nil for admitted ones (including half-open probes).
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeHalfOpen()

	switch b.state {
	case StateClosed:
		return nil
	case StateHalfOpen:
		if b.probesAllowed < b.cfg.HalfOpenRequests {
			b.probesAllowed++
			return nil
		}
		return ErrCircuitOpen
	default:
		return ErrCircuitOpen
	}
}

// recordSuccess feeds an admitted item's good outcome back into the machine.
func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.probesOk++
		if b.probesOk >= b.cfg.HalfOpenRequests {
			b.transition(StateClosed)
			b.failures = 0
		}
	}
}

// recordFailure feeds an admitted item's bad outcome back into the machine.
func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.trip()
		}
	case StateHalfOpen:
		b.trip()
	}
}

// maybeHalfOpen moves open -> half-open once the reset timeout has elapsed.
// Caller holds b.mu.
func (b *Breaker) maybeHalfOpen() {
	if b.state == StateOpen && b.nowFn().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		b.transition(StateHalfOpen)
		b.probesAllowed = 0
		b.probesOk = 0
	}
}

// trip opens the breaker. Caller holds b.mu.
func (b *Breaker) trip() {
	b.openedAt = b.nowFn()
	b.transition(StateOpen)
	log.Warn().
		Str("stream", b.name).
		Int("failures", b.failures).
		Dur("reset_timeout", b.cfg.ResetTimeout).
		Msg("circuit breaker opened")
}

// transition records a state change and notifies watchers. Caller holds b.mu.
func (b *Breaker) transition(to BreakerState) {
	if b.state == to {
		return
	}
	change := StateChange{Stream: b.name, From: b.state, To: to, At: b.nowFn()}
	b.state = to
	metrics.SetCircuitState(b.name, int(to))
	if to == StateClosed {
		log.Info().Str("stream", b.name).Msg("circuit breaker closed")
	}
	for _, ch := range b.watchers {
		select {
		case ch <- change:
		default:
		}
	}
}

type breakerSource[T any] struct {
	inner Source[T]
	br    *Breaker
}

// WithBreaker gates src through br. Error events count as failures, value
// events as successes; while the breaker is open every upstream item is
// replaced by an ErrCircuitOpen event so consumers see the shedding.
func WithBreaker[T any](src Source[T], br *Breaker) Source[T] {
	return &breakerSource[T]{inner: src, br: br}
}

func (s *breakerSource[T]) Name() string { return s.inner.Name() }

func (s *breakerSource[T]) Subscribe(ctx context.Context) <-chan Event[T] {
	in := s.inner.Subscribe(ctx)
	out := make(chan Event[T])

	go func() {
		defer close(out)
		for ev := range in {
			if err := s.br.allow(); err != nil {
				ev = Event[T]{Err: fmt.Errorf("%s: %w", s.inner.Name(), err)}
			} else if ev.Err != nil {
				s.br.recordFailure()
			} else {
				s.br.recordSuccess()
			}

			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}
