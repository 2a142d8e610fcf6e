package stream

import (
	"context"
	"time"

	"github.com/0xquant/hltracker/internal/metrics"
)

type metricsSource[T any] struct {
	inner Source[T]
	timed bool
}

// WithMetrics counts every emission under the source's name, split by
// success and error.
func WithMetrics[T any](src Source[T]) Source[T] {
	return &metricsSource[T]{inner: src}
}

// WithTimedMetrics additionally observes how long each event takes to hand
// off downstream, which surfaces slow consumers.
func WithTimedMetrics[T any](src Source[T]) Source[T] {
	return &metricsSource[T]{inner: src, timed: true}
}

func (s *metricsSource[T]) Name() string { return s.inner.Name() }

func (s *metricsSource[T]) Subscribe(ctx context.Context) <-chan Event[T] {
	in := s.inner.Subscribe(ctx)
	out := make(chan Event[T])

	go func() {
		defer close(out)
		for ev := range in {
			result := "success"
			if ev.Err != nil {
				result = "error"
			}
			metrics.IncStreamEvent(s.inner.Name(), result)

			start := time.Now()
			select {
			case out <- ev:
				if s.timed {
					metrics.ObserveStreamDuration(s.inner.Name(), time.Since(start))
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}
