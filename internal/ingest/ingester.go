package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/0xquant/hltracker/internal/config"
	"github.com/0xquant/hltracker/internal/hyperliquid"
	"github.com/0xquant/hltracker/internal/metrics"
	"github.com/0xquant/hltracker/internal/pnl"
	"github.com/0xquant/hltracker/internal/storage"
	"github.com/0xquant/hltracker/internal/stream"
)

var (
	// ErrNotRunning is returned by Track before Start or after Stop.
	ErrNotRunning = errors.New("ingester not running")
	// ErrNotTracked is returned by Untrack for an unknown address.
	ErrNotTracked = errors.New("trader not tracked")
)

// traderState is everything the ingester holds for one tracked address.
// The mutex guards the fold state and the dedupe maps; the cancel tears
// down the trader's WebSocket consumers.
type traderState struct {
	mu           sync.Mutex
	trader       storage.Trader
	state        *pnl.State
	accountValue *decimal.Decimal
	seenFills    map[int64]time.Time
	seenFunding  map[string]time.Time
	cancel       context.CancelFunc
}

// Ingester drives the whole pipeline: it subscribes the poll and push
// sources, folds their output into per-trader states, persists rows and
// periodic snapshots, and fans typed events out to subscribers.
//
// Fills can arrive twice, once pushed over WebSocket and once by the
// reconciliation poll. The database dedupes on (trader, tid); the in-memory
// fold dedupes with a seen-tid map pruned once the poll high-water mark has
// passed an entry, after which the poll window can never return it again.
type Ingester struct {
	cfg    *config.Config
	client InfoClient
	ws     Feed
	db     *storage.Database
	marks  MarkSource
	gaps   GapResolver

	positions *PositionsSource
	fills     *FillsPollSource
	funding   *FundingSource

	mu       sync.RWMutex
	breakers map[string]*stream.Breaker
	traders  map[string]*traderState
	subs     []chan Event
	running  bool
	runCtx   context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New wires an ingester. marks and gaps may be nil; ws may be nil when
// hybrid mode is off.
func New(cfg *config.Config, client InfoClient, ws Feed, db *storage.Database, marks MarkSource, gaps GapResolver) *Ingester {
	i := &Ingester{
		cfg:      cfg,
		client:   client,
		ws:       ws,
		db:       db,
		marks:    marks,
		gaps:     gaps,
		breakers: make(map[string]*stream.Breaker),
		traders:  make(map[string]*traderState),
	}
	fillsInterval := cfg.FillsPollInterval
	if cfg.UseHybridMode {
		fillsInterval = cfg.HybridPollInterval
	}
	i.positions = NewPositionsSource(client, i.trackedAddresses, cfg.PositionPollInterval)
	i.fills = NewFillsPollSource(client, i.trackedAddresses, fillsInterval)
	i.funding = NewFundingSource(client, i.trackedAddresses, cfg.FundingPollInterval)
	return i
}

// Start restores every active trader from storage, then launches the poll
// consumers and the snapshot loop.
func (i *Ingester) Start() error {
	i.mu.Lock()
	if i.running {
		i.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	i.runCtx, i.cancel = ctx, cancel
	i.running = true
	i.mu.Unlock()

	active, err := i.db.Traders.Active()
	if err != nil {
		i.Stop()
		return fmt.Errorf("load active traders: %w", err)
	}
	for _, t := range active {
		if err := i.Track(t.Address); err != nil {
			log.Error().Err(err).Str("address", t.Address).Msg("trader restore failed")
		}
	}

	i.consumePositions(ctx)
	i.consumeFills(ctx)
	i.consumeFunding(ctx)
	i.wg.Add(1)
	go i.snapshotLoop(ctx)

	log.Info().
		Int("traders", len(active)).
		Bool("hybrid", i.cfg.UseHybridMode).
		Dur("snapshot_interval", i.cfg.SnapshotInterval).
		Msg("ingester started")
	return nil
}

// Stop cancels all streams, waits for the consumers to drain, writes one
// final snapshot batch so the coverage trail ends at shutdown time, and
// closes the event subscriptions.
func (i *Ingester) Stop() {
	i.mu.Lock()
	if !i.running {
		i.mu.Unlock()
		return
	}
	i.running = false
	cancel := i.cancel
	i.mu.Unlock()

	cancel()
	i.wg.Wait()
	i.snapshotAll(time.Now().UTC())

	i.mu.Lock()
	for _, ch := range i.subs {
		close(ch)
	}
	i.subs = nil
	i.mu.Unlock()
	log.Info().Msg("ingester stopped")
}

// Track registers an address, restoring its fold state from storage. The
// next poll tick picks it up; in hybrid mode its WebSocket feeds start
// immediately. Tracking an already-tracked address is a no-op.
func (i *Ingester) Track(address string) error {
	addr, err := hyperliquid.NormalizeAddress(address)
	if err != nil {
		return err
	}

	i.mu.RLock()
	running := i.running
	_, exists := i.traders[addr]
	i.mu.RUnlock()
	if !running {
		return ErrNotRunning
	}
	if exists {
		return nil
	}

	trader, err := i.db.Traders.Ensure(addr)
	if err != nil {
		return fmt.Errorf("ensure trader: %w", err)
	}
	ts, err := i.restoreState(trader)
	if err != nil {
		return err
	}

	i.mu.Lock()
	if _, dup := i.traders[addr]; dup {
		i.mu.Unlock()
		return nil
	}
	if !i.running {
		i.mu.Unlock()
		return ErrNotRunning
	}
	i.traders[addr] = ts
	i.mu.Unlock()

	if i.cfg.UseHybridMode && i.ws != nil {
		i.startTraderFeeds(ts)
	}
	log.Info().Str("address", addr).Int64("trades", ts.state.TradeCount).Msg("tracking trader")
	return nil
}

// Untrack stops a trader's feeds, removes it from the poll set and marks it
// inactive in storage. Its history stays queryable.
func (i *Ingester) Untrack(address string) error {
	addr, err := hyperliquid.NormalizeAddress(address)
	if err != nil {
		return err
	}

	i.mu.Lock()
	ts, ok := i.traders[addr]
	if ok {
		delete(i.traders, addr)
	}
	i.mu.Unlock()
	if !ok {
		return ErrNotTracked
	}

	ts.mu.Lock()
	cancel := ts.cancel
	ts.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if err := i.db.Traders.Deactivate(addr); err != nil {
		return fmt.Errorf("deactivate trader: %w", err)
	}
	log.Info().Str("address", addr).Msg("untracked trader")
	return nil
}

// Events returns a subscription for ingestion events. The channel is
// buffered; a subscriber that falls behind loses events rather than
// stalling the pipeline. Closed on Stop.
func (i *Ingester) Events() <-chan Event {
	ch := make(chan Event, 256)
	i.mu.Lock()
	i.subs = append(i.subs, ch)
	i.mu.Unlock()
	return ch
}

// Breakers returns the circuit breakers created so far, for state
// observation and alert wiring.
func (i *Ingester) Breakers() []*stream.Breaker {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make([]*stream.Breaker, 0, len(i.breakers))
	for _, br := range i.breakers {
		out = append(out, br)
	}
	return out
}

// LivePnL is the current in-memory view of one trader, with unrealized
// numbers refreshed against live mid prices.
type LivePnL struct {
	Address          string           `json:"address"`
	RealizedPnl      decimal.Decimal  `json:"realizedPnl"`
	UnrealizedPnl    decimal.Decimal  `json:"unrealizedPnl"`
	TotalPnl         decimal.Decimal  `json:"totalPnl"`
	FundingPnl       decimal.Decimal  `json:"fundingPnl"`
	TradingPnl       decimal.Decimal  `json:"tradingPnl"`
	TotalFees        decimal.Decimal  `json:"totalFees"`
	TotalVolume      decimal.Decimal  `json:"totalVolume"`
	TradeCount       int64            `json:"tradeCount"`
	LiquidationCount int64            `json:"liquidationCount"`
	FlipCount        int64            `json:"flipCount"`
	AccountValue     *decimal.Decimal `json:"accountValue,omitempty"`
	Positions        []pnl.Position   `json:"positions"`
	LastUpdated      time.Time        `json:"lastUpdated"`
}

// Live returns the current state for a tracked address, or false when the
// address is unknown or not tracked.
func (i *Ingester) Live(address string) (*LivePnL, bool) {
	addr, err := hyperliquid.NormalizeAddress(address)
	if err != nil {
		return nil, false
	}
	ts := i.stateFor(addr)
	if ts == nil {
		return nil, false
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	st := ts.state

	positions := make([]pnl.Position, 0, len(st.Positions))
	unrealized := decimal.Zero
	for _, p := range st.Positions {
		if i.marks != nil {
			if mark, ok := i.marks.Get(p.Coin); ok {
				p.UnrealizedPnl = pnl.UnrealizedFor(p.Size, p.EntryPrice, mark)
			}
		}
		unrealized = unrealized.Add(p.UnrealizedPnl)
		positions = append(positions, p)
	}
	sort.Slice(positions, func(a, b int) bool { return positions[a].Coin < positions[b].Coin })

	totals := st.Totals()
	return &LivePnL{
		Address:          st.Address,
		RealizedPnl:      totals.Realized,
		UnrealizedPnl:    unrealized,
		TotalPnl:         totals.Realized.Add(unrealized),
		FundingPnl:       totals.Funding,
		TradingPnl:       totals.Trading,
		TotalFees:        totals.Fees,
		TotalVolume:      st.TotalVolume,
		TradeCount:       st.TradeCount,
		LiquidationCount: st.LiquidationCount,
		FlipCount:        st.FlipCount,
		AccountValue:     ts.accountValue,
		Positions:        positions,
		LastUpdated:      st.LastUpdated,
	}, true
}

// Tracked returns the currently tracked addresses, sorted.
func (i *Ingester) Tracked() []string {
	return i.trackedAddresses()
}

func (i *Ingester) trackedAddresses() []string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make([]string, 0, len(i.traders))
	for addr := range i.traders {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

func (i *Ingester) stateFor(address string) *traderState {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.traders[address]
}

func (i *Ingester) breakerFor(name string) *stream.Breaker {
	i.mu.Lock()
	defer i.mu.Unlock()
	if br, ok := i.breakers[name]; ok {
		return br
	}
	br := stream.NewBreaker(name, stream.DefaultBreaker)
	i.breakers[name] = br
	return br
}

// restoreState rebuilds a trader's fold state from the latest snapshot plus
// the rows stored after it, and seeds the poll high-water marks so history
// already persisted is not fetched again.
func (i *Ingester) restoreState(trader *storage.Trader) (*traderState, error) {
	st := pnl.Initial(trader.ID, trader.Address)
	ts := &traderState{
		trader:      *trader,
		state:       st,
		seenFills:   make(map[int64]time.Time),
		seenFunding: make(map[string]time.Time),
	}

	var since time.Time
	snap, err := i.db.Snapshots.Latest(trader.ID)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if snap != nil {
		st.RealizedTradingPnl = snap.TradingPnl.Add(snap.TotalFees)
		st.RealizedFundingPnl = snap.FundingPnl
		st.TotalFees = snap.TotalFees
		st.TotalVolume = snap.TotalVolume
		st.TradeCount = snap.TradeCount
		st.LiquidationCount = snap.LiquidationCount
		st.FlipCount = snap.FlipCount
		st.LastUpdated = snap.Timestamp
		ts.accountValue = snap.AccountValue
		since = snap.Timestamp
	}

	trades, err := i.db.Trades.Since(trader.ID, since)
	if err != nil {
		return nil, fmt.Errorf("replay trades: %w", err)
	}
	for _, row := range trades {
		st.ApplyTrade(rowToPnlTrade(row))
		ts.seenFills[row.Tid] = row.Timestamp
	}
	funding, err := i.db.Funding.Since(trader.ID, since)
	if err != nil {
		return nil, fmt.Errorf("replay funding: %w", err)
	}
	for _, row := range funding {
		st.ApplyFunding(rowToPnlFunding(row))
		ts.seenFunding[fundingKey(row.Coin, row.Time.UnixMilli())] = row.Time
	}

	if t, err := i.db.Trades.LatestTime(trader.ID); err == nil && !t.IsZero() {
		i.fills.SeedHWM(trader.Address, t)
	}
	if t, err := i.db.Funding.LatestTime(trader.ID); err == nil && !t.IsZero() {
		i.funding.SeedHWM(trader.Address, t)
	}

	if snap != nil || len(trades) > 0 || len(funding) > 0 {
		log.Debug().
			Str("address", trader.Address).
			Int("replayed_trades", len(trades)).
			Int("replayed_funding", len(funding)).
			Bool("from_snapshot", snap != nil).
			Msg("trader state restored")
	}
	return ts, nil
}

func (i *Ingester) startTraderFeeds(ts *traderState) {
	i.mu.Lock()
	if !i.running {
		i.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(i.runCtx)
	i.wg.Add(2)
	i.mu.Unlock()

	ts.mu.Lock()
	ts.cancel = cancel
	ts.mu.Unlock()
	addr := ts.trader.Address

	events := stream.Compose[hyperliquid.WsUserEvent](NewUserEventsSource(i.ws, addr), i.breakerFor("userEvents"))
	go func() {
		defer i.wg.Done()
		for ev := range events.Subscribe(ctx) {
			if ev.Err != nil {
				i.noteStreamError("userEvents", ev.Err)
				continue
			}
			i.applyUserEvent(addr, ev.Value)
		}
	}()

	webData := stream.Compose[hyperliquid.WsWebData2](NewWebDataSource(i.ws, addr), i.breakerFor("webData2"))
	go func() {
		defer i.wg.Done()
		for ev := range webData.Subscribe(ctx) {
			if ev.Err != nil {
				i.noteStreamError("webData2", ev.Err)
				continue
			}
			i.applyPositions(addr, ev.Value.ClearinghouseState)
		}
	}()
}

func (i *Ingester) consumePositions(ctx context.Context) {
	src := stream.Compose[[]TraderPositions](i.positions, i.breakerFor("positions"))
	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		for ev := range src.Subscribe(ctx) {
			if ev.Err != nil {
				i.noteStreamError("positions", ev.Err)
				continue
			}
			for _, tp := range ev.Value {
				i.applyPositions(tp.Address, tp.State)
			}
		}
	}()
}

func (i *Ingester) consumeFills(ctx context.Context) {
	src := stream.Compose[TraderFills](i.fills, i.breakerFor("fills"))
	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		for ev := range src.Subscribe(ctx) {
			if ev.Err != nil {
				i.noteStreamError("fills", ev.Err)
				continue
			}
			ts := i.stateFor(ev.Value.Address)
			if ts == nil {
				continue
			}
			i.handleFills(ts, ev.Value.Fills, "poll")
		}
	}()
}

func (i *Ingester) consumeFunding(ctx context.Context) {
	src := stream.Compose[TraderFunding](i.funding, i.breakerFor("funding"))
	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		for ev := range src.Subscribe(ctx) {
			if ev.Err != nil {
				i.noteStreamError("funding", ev.Err)
				continue
			}
			ts := i.stateFor(ev.Value.Address)
			if ts == nil {
				continue
			}
			rows := make([]storage.FundingEvent, len(ev.Value.Events))
			for k, e := range ev.Value.Events {
				rows[k] = fundingToRow(ts.trader.ID, e)
			}
			i.handleFunding(ts, rows, "poll")
		}
	}()
}

func (i *Ingester) applyUserEvent(address string, ev hyperliquid.WsUserEvent) {
	ts := i.stateFor(address)
	if ts == nil {
		return
	}
	if len(ev.Fills) > 0 {
		i.handleFills(ts, ev.Fills, "ws")
	}
	if ev.Funding != nil {
		i.handleFunding(ts, []storage.FundingEvent{wsFundingToRow(ts.trader.ID, *ev.Funding)}, "ws")
	}
	if ev.Liquidation != nil {
		log.Warn().
			Str("address", address).
			Int64("lid", ev.Liquidation.Lid).
			Str("liquidated_ntl_pos", ev.Liquidation.LiquidatedNtlPos.String()).
			Msg("trader liquidated")
	}
}

// applyPositions overwrites a trader's position map and account value from
// a clearinghouse snapshot. This is the only path that moves positions.
func (i *Ingester) applyPositions(address string, cs *hyperliquid.ClearinghouseState) {
	if cs == nil {
		return
	}
	ts := i.stateFor(address)
	if ts == nil {
		return
	}
	av := cs.MarginSummary.AccountValue
	ts.mu.Lock()
	ts.state.UpdatePositions(statePositions(cs))
	ts.accountValue = &av
	ts.mu.Unlock()
}

// handleFills persists a batch and folds the previously unseen fills into
// the trader state. Persistence failures skip the fold entirely so memory
// never runs ahead of the database.
func (i *Ingester) handleFills(ts *traderState, fills []hyperliquid.Fill, origin string) {
	if len(fills) == 0 {
		return
	}
	sorted := make([]hyperliquid.Fill, len(fills))
	copy(sorted, fills)
	sort.Slice(sorted, func(a, b int) bool {
		if sorted[a].Time != sorted[b].Time {
			return sorted[a].Time < sorted[b].Time
		}
		return sorted[a].Tid < sorted[b].Tid
	})

	ts.mu.Lock()
	fresh := make([]hyperliquid.Fill, 0, len(sorted))
	for _, f := range sorted {
		if _, seen := ts.seenFills[f.Tid]; !seen {
			fresh = append(fresh, f)
		}
	}
	ts.mu.Unlock()
	if len(fresh) == 0 {
		return
	}

	rows := make([]storage.Trade, len(fresh))
	for k, f := range fresh {
		rows[k] = fillToRow(ts.trader.ID, f)
	}
	inserted, err := i.db.Trades.Insert(rows)
	if err != nil {
		log.Error().Err(err).Str("address", ts.trader.Address).Int("fills", len(fresh)).Msg("trade insert failed")
		return
	}
	if inserted > 0 {
		metrics.IncTradesWritten(int(inserted))
	}

	hwm, _ := i.fills.HWM(ts.trader.Address)
	applied := make([]hyperliquid.Fill, 0, len(fresh))
	ts.mu.Lock()
	for _, f := range fresh {
		// the ws and poll paths race here; whoever marked the tid first wins
		if _, seen := ts.seenFills[f.Tid]; seen {
			continue
		}
		ts.state.ApplyTrade(fillToPnl(f))
		ts.seenFills[f.Tid] = time.UnixMilli(f.Time)
		applied = append(applied, f)
	}
	pruneSeen(ts.seenFills, hwm)
	ts.mu.Unlock()
	if len(applied) == 0 {
		return
	}

	now := time.Now().UTC()
	if err := i.db.Traders.Touch(ts.trader.ID, now); err != nil {
		log.Warn().Err(err).Str("address", ts.trader.Address).Msg("trader touch failed")
	}
	log.Debug().
		Str("address", ts.trader.Address).
		Int("fills", len(applied)).
		Str("origin", origin).
		Msg("fills applied")
	for _, f := range applied {
		i.emit(Event{Type: EventFill, Address: ts.trader.Address, Data: f, Timestamp: time.UnixMilli(f.Time)})
	}
}

// handleFunding is the funding twin of handleFills, keyed on (coin, time).
func (i *Ingester) handleFunding(ts *traderState, rows []storage.FundingEvent, origin string) {
	if len(rows) == 0 {
		return
	}
	ts.mu.Lock()
	fresh := make([]storage.FundingEvent, 0, len(rows))
	for _, r := range rows {
		if _, seen := ts.seenFunding[fundingKey(r.Coin, r.Time.UnixMilli())]; !seen {
			fresh = append(fresh, r)
		}
	}
	ts.mu.Unlock()
	if len(fresh) == 0 {
		return
	}

	if _, err := i.db.Funding.Insert(fresh); err != nil {
		log.Error().Err(err).Str("address", ts.trader.Address).Int("events", len(fresh)).Msg("funding insert failed")
		return
	}

	hwm, _ := i.funding.HWM(ts.trader.Address)
	applied := make([]storage.FundingEvent, 0, len(fresh))
	ts.mu.Lock()
	for _, r := range fresh {
		key := fundingKey(r.Coin, r.Time.UnixMilli())
		if _, seen := ts.seenFunding[key]; seen {
			continue
		}
		ts.state.ApplyFunding(rowToPnlFunding(r))
		ts.seenFunding[key] = r.Time
		applied = append(applied, r)
	}
	pruneSeen(ts.seenFunding, hwm)
	ts.mu.Unlock()
	if len(applied) == 0 {
		return
	}

	now := time.Now().UTC()
	if err := i.db.Traders.Touch(ts.trader.ID, now); err != nil {
		log.Warn().Err(err).Str("address", ts.trader.Address).Msg("trader touch failed")
	}
	log.Debug().
		Str("address", ts.trader.Address).
		Int("events", len(applied)).
		Str("origin", origin).
		Msg("funding applied")
	for _, r := range applied {
		i.emit(Event{Type: EventFunding, Address: ts.trader.Address, Data: r, Timestamp: r.Time})
	}
}

func (i *Ingester) snapshotLoop(ctx context.Context) {
	defer i.wg.Done()
	ticker := time.NewTicker(i.cfg.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			i.snapshotAll(time.Now().UTC())
		}
	}
}

// snapshotAll captures every tracked trader at one shared timestamp,
// persists the batch, then resolves any open coverage gaps and emits
// snapshot events.
func (i *Ingester) snapshotAll(at time.Time) {
	i.mu.RLock()
	states := make([]*traderState, 0, len(i.traders))
	for _, ts := range i.traders {
		states = append(states, ts)
	}
	i.mu.RUnlock()
	if len(states) == 0 {
		return
	}

	snaps := make([]storage.PnLSnapshot, len(states))
	for k, ts := range states {
		snaps[k] = i.buildSnapshot(ts, at)
	}
	if err := i.db.Snapshots.Save(snaps); err != nil {
		log.Error().Err(err).Int("traders", len(snaps)).Msg("snapshot save failed")
		return
	}
	metrics.IncSnapshotsWritten(len(snaps))

	for k, ts := range states {
		if i.gaps != nil {
			if err := i.gaps.ResolveFor(ts.trader.ID, ts.trader.Address); err != nil {
				log.Warn().Err(err).Str("address", ts.trader.Address).Msg("gap resolve failed")
			}
		}
		i.emit(Event{Type: EventSnapshot, Address: ts.trader.Address, Data: snaps[k], Timestamp: at})
	}
	log.Debug().Int("traders", len(snaps)).Time("at", at).Msg("snapshots written")
}

// buildSnapshot freezes one trader's totals, recomputing unrealized PnL
// from live mid prices where available. The cached per-position value from
// the last clearinghouse refresh is the fallback.
func (i *Ingester) buildSnapshot(ts *traderState, at time.Time) storage.PnLSnapshot {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	st := ts.state
	unrealized := decimal.Zero
	for _, p := range st.Positions {
		u := p.UnrealizedPnl
		if i.marks != nil {
			if mark, ok := i.marks.Get(p.Coin); ok {
				u = pnl.UnrealizedFor(p.Size, p.EntryPrice, mark)
			}
		}
		unrealized = unrealized.Add(u)
	}
	totals := st.Totals()
	return storage.PnLSnapshot{
		TraderID:         st.TraderID,
		Timestamp:        at,
		RealizedPnl:      totals.Realized,
		UnrealizedPnl:    unrealized,
		TotalPnl:         totals.Realized.Add(unrealized),
		FundingPnl:       totals.Funding,
		TradingPnl:       totals.Trading,
		TotalFees:        totals.Fees,
		TotalVolume:      st.TotalVolume,
		OpenPositions:    len(st.Positions),
		TradeCount:       st.TradeCount,
		LiquidationCount: st.LiquidationCount,
		FlipCount:        st.FlipCount,
		AccountValue:     ts.accountValue,
	}
}

func (i *Ingester) emit(ev Event) {
	i.mu.RLock()
	subs := i.subs
	i.mu.RUnlock()
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (i *Ingester) noteStreamError(name string, err error) {
	if errors.Is(err, stream.ErrCircuitOpen) {
		log.Debug().Str("stream", name).Msg("item shed by open circuit")
		return
	}
	log.Warn().Err(err).Str("stream", name).Msg("stream error")
}

func fundingKey(coin string, unixMilli int64) string {
	return fmt.Sprintf("%s|%d", coin, unixMilli)
}

// pruneSeen drops dedupe entries the poll window has moved past. An entry
// strictly older than the high-water mark can never be returned again, so
// holding it buys nothing.
func pruneSeen[K comparable](seen map[K]time.Time, hwm time.Time) {
	if hwm.IsZero() {
		return
	}
	for k, at := range seen {
		if at.Before(hwm) {
			delete(seen, k)
		}
	}
}
