// Package prices holds the latest mid-price per coin, fed by the allMids
// push stream. Values never expire: the last push wins until the next one.
package prices

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/0xquant/hltracker/internal/hyperliquid"
	"github.com/0xquant/hltracker/internal/stream"
)

// Service is the process-wide mid-price map.
type Service struct {
	source stream.Source[hyperliquid.AllMids]

	mu      sync.RWMutex
	prices  map[string]decimal.Decimal
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New wraps a mids source; Start begins consuming it.
func New(source stream.Source[hyperliquid.AllMids]) *Service {
	return &Service{
		source: source,
		prices: make(map[string]decimal.Decimal),
	}
}

// Start subscribes to the mids stream. Calling Start on a running service is
// a no-op; after Stop it subscribes afresh.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	s.prices = make(map[string]decimal.Decimal)

	go s.consume(ctx, s.done)
	log.Info().Str("stream", s.source.Name()).Msg("price service started")
}

func (s *Service) consume(ctx context.Context, done chan struct{}) {
	defer close(done)

	ch := s.source.Subscribe(ctx)
	for ev := range ch {
		if ev.Err != nil {
			log.Warn().Err(ev.Err).Msg("mids stream error")
			continue
		}
		s.mu.Lock()
		for coin, px := range ev.Value {
			s.prices[coin] = px
		}
		s.mu.Unlock()
	}
}

// Stop cancels the subscription, waits for the consumer to drain, and clears
// the map.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()
	<-done

	s.mu.Lock()
	s.prices = make(map[string]decimal.Decimal)
	s.mu.Unlock()
	log.Info().Msg("price service stopped")
}

// Get returns the last mid for a coin.
func (s *Service) Get(coin string) (decimal.Decimal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	px, ok := s.prices[coin]
	return px, ok
}

// All returns a copy of the price map.
func (s *Service) All() map[string]decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]decimal.Decimal, len(s.prices))
	for coin, px := range s.prices {
		out[coin] = px
	}
	return out
}

// Count returns how many coins have a price.
func (s *Service) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.prices)
}
