package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/0xquant/hltracker/internal/hyperliquid"
	"github.com/0xquant/hltracker/internal/metrics"
	"github.com/0xquant/hltracker/internal/ratelimit"
	"github.com/0xquant/hltracker/internal/stream"
)

const (
	positionsBatchSize   = 50
	positionsConcurrency = 10
	positionsBatchDelay  = time.Second
	fillsConcurrency     = 5
)

// PositionsSource polls clearinghouseState for every tracked trader and
// emits the whole result set once per tick. Traders are fanned out in
// batches so a large set neither serializes nor stampedes the API.
type PositionsSource struct {
	client   InfoClient
	traders  addressProvider
	interval time.Duration
}

func NewPositionsSource(client InfoClient, traders addressProvider, interval time.Duration) *PositionsSource {
	return &PositionsSource{client: client, traders: traders, interval: interval}
}

func (s *PositionsSource) Name() string { return "positions" }

func (s *PositionsSource) Subscribe(ctx context.Context) <-chan stream.Event[[]TraderPositions] {
	out := make(chan stream.Event[[]TraderPositions])
	go func() {
		defer close(out)
		pollLoop(ctx, s.interval, func() { s.tick(ctx, out) })
	}()
	return out
}

func (s *PositionsSource) tick(ctx context.Context, out chan<- stream.Event[[]TraderPositions]) {
	addrs := s.traders()
	if len(addrs) == 0 {
		return
	}
	results := make([]TraderPositions, 0, len(addrs))
	var mu sync.Mutex
	for start := 0; start < len(addrs); start += positionsBatchSize {
		end := min(start+positionsBatchSize, len(addrs))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(positionsConcurrency)
		for _, addr := range addrs[start:end] {
			addr := addr
			g.Go(func() error {
				state, err := s.client.ClearinghouseState(gctx, addr, ratelimit.PriorityPolling)
				if err != nil {
					metrics.IncStreamEvent(s.Name(), "error")
					log.Warn().Err(err).Str("address", addr).Msg("clearinghouse poll failed")
					return nil
				}
				mu.Lock()
				results = append(results, TraderPositions{Address: addr, State: state})
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
		if ctx.Err() != nil {
			return
		}
		if end < len(addrs) {
			select {
			case <-time.After(positionsBatchDelay):
			case <-ctx.Done():
				return
			}
		}
	}
	if len(results) == 0 {
		// every trader failed in one tick, a systemic signal rather than
		// the usual per-address blip
		select {
		case out <- stream.Fail[[]TraderPositions](fmt.Errorf("clearinghouse poll: all %d traders failed", len(addrs))):
		case <-ctx.Done():
		}
		return
	}
	select {
	case out <- stream.Ok(results):
	case <-ctx.Done():
	}
}

// FillsPollSource polls userFillsByTime per trader with a per-address
// high-water mark. The mark only advances after a batch has been emitted
// downstream, so a consumer that never saw a batch will see it again on
// the next tick. A trader with no mark yet starts one poll interval back.
type FillsPollSource struct {
	client   InfoClient
	traders  addressProvider
	interval time.Duration
	lookback time.Duration

	mu  sync.Mutex
	hwm map[string]time.Time
}

func NewFillsPollSource(client InfoClient, traders addressProvider, interval time.Duration) *FillsPollSource {
	return &FillsPollSource{
		client:   client,
		traders:  traders,
		interval: interval,
		lookback: interval,
		hwm:      make(map[string]time.Time),
	}
}

func (s *FillsPollSource) Name() string { return "fills" }

// SeedHWM pre-positions a trader's mark, typically from the newest stored
// fill, so a restart does not re-poll history already persisted. Seeding
// never moves a mark backwards.
func (s *FillsPollSource) SeedHWM(address string, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.hwm[address]; !ok || t.After(cur) {
		s.hwm[address] = t
	}
}

// HWM reports the current mark for an address.
func (s *FillsPollSource) HWM(address string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.hwm[address]
	return t, ok
}

func (s *FillsPollSource) markFor(address string, now time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.hwm[address]; ok {
		return t
	}
	t := now.Add(-s.lookback)
	s.hwm[address] = t
	return t
}

func (s *FillsPollSource) advance(address string, fills []hyperliquid.Fill) {
	var latest time.Time
	for _, f := range fills {
		if ft := time.UnixMilli(f.Time); ft.After(latest) {
			latest = ft
		}
	}
	if latest.IsZero() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur := s.hwm[address]; latest.After(cur) {
		s.hwm[address] = latest
	}
}

func (s *FillsPollSource) Subscribe(ctx context.Context) <-chan stream.Event[TraderFills] {
	out := make(chan stream.Event[TraderFills])
	go func() {
		defer close(out)
		pollLoop(ctx, s.interval, func() { s.tick(ctx, out) })
	}()
	return out
}

func (s *FillsPollSource) tick(ctx context.Context, out chan<- stream.Event[TraderFills]) {
	addrs := s.traders()
	if len(addrs) == 0 {
		return
	}
	now := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fillsConcurrency)
	for _, addr := range addrs {
		addr := addr
		g.Go(func() error {
			since := s.markFor(addr, now)
			fills, err := s.client.UserFillsByTime(gctx, addr, since.UnixMilli(), now.UnixMilli(), ratelimit.PriorityPolling)
			if err != nil {
				metrics.IncStreamEvent(s.Name(), "error")
				log.Warn().Err(err).Str("address", addr).Msg("fills poll failed")
				return nil
			}
			if len(fills) == 0 {
				return nil
			}
			select {
			case out <- stream.Ok(TraderFills{Address: addr, Fills: fills}):
				s.advance(addr, fills)
			case <-gctx.Done():
			}
			return nil
		})
	}
	_ = g.Wait()
}

// FundingSource polls userFunding per trader, sequentially. Funding settles
// hourly, so there is no urgency that would justify fan-out here.
type FundingSource struct {
	client   InfoClient
	traders  addressProvider
	interval time.Duration
	lookback time.Duration

	mu  sync.Mutex
	hwm map[string]time.Time
}

func NewFundingSource(client InfoClient, traders addressProvider, interval time.Duration) *FundingSource {
	return &FundingSource{
		client:   client,
		traders:  traders,
		interval: interval,
		lookback: interval,
		hwm:      make(map[string]time.Time),
	}
}

func (s *FundingSource) Name() string { return "funding" }

// SeedHWM pre-positions a trader's mark, typically from the newest stored
// funding event. Seeding never moves a mark backwards.
func (s *FundingSource) SeedHWM(address string, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.hwm[address]; !ok || t.After(cur) {
		s.hwm[address] = t
	}
}

// HWM reports the current mark for an address.
func (s *FundingSource) HWM(address string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.hwm[address]
	return t, ok
}

func (s *FundingSource) markFor(address string, now time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.hwm[address]; ok {
		return t
	}
	t := now.Add(-s.lookback)
	s.hwm[address] = t
	return t
}

func (s *FundingSource) advance(address string, events []hyperliquid.UserFunding) {
	var latest time.Time
	for _, e := range events {
		if et := time.UnixMilli(e.Time); et.After(latest) {
			latest = et
		}
	}
	if latest.IsZero() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur := s.hwm[address]; latest.After(cur) {
		s.hwm[address] = latest
	}
}

func (s *FundingSource) Subscribe(ctx context.Context) <-chan stream.Event[TraderFunding] {
	out := make(chan stream.Event[TraderFunding])
	go func() {
		defer close(out)
		pollLoop(ctx, s.interval, func() { s.tick(ctx, out) })
	}()
	return out
}

func (s *FundingSource) tick(ctx context.Context, out chan<- stream.Event[TraderFunding]) {
	now := time.Now()
	for _, addr := range s.traders() {
		if ctx.Err() != nil {
			return
		}
		since := s.markFor(addr, now)
		events, err := s.client.UserFunding(ctx, addr, since.UnixMilli(), ratelimit.PriorityPolling)
		if err != nil {
			metrics.IncStreamEvent(s.Name(), "error")
			log.Warn().Err(err).Str("address", addr).Msg("funding poll failed")
			continue
		}
		if len(events) == 0 {
			continue
		}
		select {
		case out <- stream.Ok(TraderFunding{Address: addr, Events: events}):
			s.advance(addr, events)
		case <-ctx.Done():
			return
		}
	}
}

// pollLoop runs tick immediately, then on every interval until ctx ends.
func pollLoop(ctx context.Context, interval time.Duration, tick func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		tick()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
