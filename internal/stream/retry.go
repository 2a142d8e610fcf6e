package stream

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrRetriesExhausted is emitted once when a source keeps dying faster than
// it produces and the resubscribe allowance runs out.
var ErrRetriesExhausted = errors.New("retries exhausted")

// RetryConfig controls how a dead upstream subscription is revived.
type RetryConfig struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetry matches the backoff used for HTTP calls: 1s doubling to 30s.
var DefaultRetry = RetryConfig{
	MaxRetries:   5,
	InitialDelay: time.Second,
	MaxDelay:     30 * time.Second,
	Multiplier:   2,
}

func (c RetryConfig) delay(attempt int) time.Duration {
	d := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt-1))
	if d > float64(c.MaxDelay) {
		return c.MaxDelay
	}
	return time.Duration(d)
}

type retrySource[T any] struct {
	inner Source[T]
	cfg   RetryConfig
}

// WithRetry resubscribes to src whenever its event channel closes while the
// context is still live. Any value emission resets the attempt counter, so
// only back-to-back deaths exhaust the allowance.
func WithRetry[T any](src Source[T], cfg RetryConfig) Source[T] {
	return &retrySource[T]{inner: src, cfg: cfg}
}

func (s *retrySource[T]) Name() string { return s.inner.Name() }

func (s *retrySource[T]) Subscribe(ctx context.Context) <-chan Event[T] {
	out := make(chan Event[T])

	go func() {
		defer close(out)

		attempt := 0
		for {
			in := s.inner.Subscribe(ctx)
			for ev := range in {
				if ev.Err == nil {
					attempt = 0
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}

			if ctx.Err() != nil {
				return
			}

			attempt++
			if attempt > s.cfg.MaxRetries {
				log.Error().Str("stream", s.inner.Name()).Int("attempts", s.cfg.MaxRetries).Msg("stream gave up resubscribing")
				select {
				case out <- Event[T]{Err: fmt.Errorf("%s: %w", s.inner.Name(), ErrRetriesExhausted)}:
				case <-ctx.Done():
				}
				return
			}

			delay := s.cfg.delay(attempt)
			log.Warn().
				Str("stream", s.inner.Name()).
				Int("attempt", attempt).
				Dur("retry_in", delay).
				Msg("stream ended, resubscribing")

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}
