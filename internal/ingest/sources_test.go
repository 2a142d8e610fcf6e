package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xquant/hltracker/internal/hyperliquid"
	"github.com/0xquant/hltracker/internal/ratelimit"
)

type fillsWindow struct {
	user  string
	start int64
	end   int64
}

// fakeInfo scripts the exchange HTTP client.
type fakeInfo struct {
	mu           sync.Mutex
	states       map[string]*hyperliquid.ClearinghouseState
	stateErr     error
	fills        map[string][]hyperliquid.Fill
	fillsWindows []fillsWindow
	funding      map[string][]hyperliquid.UserFunding
	fundingSince map[string][]int64
	stateCalls   int
}

func newFakeInfo() *fakeInfo {
	return &fakeInfo{
		states:       make(map[string]*hyperliquid.ClearinghouseState),
		fills:        make(map[string][]hyperliquid.Fill),
		funding:      make(map[string][]hyperliquid.UserFunding),
		fundingSince: make(map[string][]int64),
	}
}

func (f *fakeInfo) ClearinghouseState(ctx context.Context, user string, priority ratelimit.Priority) (*hyperliquid.ClearinghouseState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stateCalls++
	if f.stateErr != nil {
		return nil, f.stateErr
	}
	if cs, ok := f.states[user]; ok {
		return cs, nil
	}
	return &hyperliquid.ClearinghouseState{}, nil
}

func (f *fakeInfo) UserFillsByTime(ctx context.Context, user string, startTime, endTime int64, priority ratelimit.Priority) ([]hyperliquid.Fill, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fillsWindows = append(f.fillsWindows, fillsWindow{user: user, start: startTime, end: endTime})
	out := f.fills[user]
	f.fills[user] = nil
	return out, nil
}

func (f *fakeInfo) UserFunding(ctx context.Context, user string, startTime int64, priority ratelimit.Priority) ([]hyperliquid.UserFunding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fundingSince[user] = append(f.fundingSince[user], startTime)
	out := f.funding[user]
	f.funding[user] = nil
	return out, nil
}

func (f *fakeInfo) windows() []fillsWindow {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]fillsWindow, len(f.fillsWindows))
	copy(out, f.fillsWindows)
	return out
}

func fixedTraders(addrs ...string) addressProvider {
	return func() []string { return addrs }
}

func testFill(tid int64, at time.Time, coin string) hyperliquid.Fill {
	return hyperliquid.Fill{
		Coin:      coin,
		Px:        decimal.NewFromInt(100),
		Sz:        decimal.NewFromInt(1),
		Side:      hyperliquid.SideBuy,
		Time:      at.UnixMilli(),
		Dir:       "Open Long",
		Tid:       tid,
		ClosedPnl: decimal.Zero,
		Fee:       decimal.NewFromFloat(0.05),
	}
}

const addrA = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
const addrB = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"

func TestFillsPollAdvancesMarkOnEmission(t *testing.T) {
	info := newFakeInfo()
	latest := time.Now().Add(-time.Minute).Truncate(time.Millisecond)
	info.fills[addrA] = []hyperliquid.Fill{
		testFill(1, latest.Add(-time.Second), "BTC"),
		testFill(2, latest, "BTC"),
	}

	src := NewFillsPollSource(info, fixedTraders(addrA), 50*time.Millisecond)
	seed := latest.Add(-time.Hour)
	src.SeedHWM(addrA, seed)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := src.Subscribe(ctx)

	ev := <-ch
	require.NoError(t, ev.Err)
	assert.Equal(t, addrA, ev.Value.Address)
	assert.Len(t, ev.Value.Fills, 2)
	require.NotEmpty(t, info.windows())
	assert.Equal(t, seed.UnixMilli(), info.windows()[0].start)

	require.Eventually(t, func() bool {
		hwm, ok := src.HWM(addrA)
		return ok && hwm.Equal(latest)
	}, time.Second, 5*time.Millisecond, "mark should land on the newest emitted fill")

	// the next window starts at the mark
	require.Eventually(t, func() bool {
		ws := info.windows()
		return len(ws) >= 2 && ws[len(ws)-1].start == latest.UnixMilli()
	}, time.Second, 5*time.Millisecond)
}

func TestFillsPollEmptyTickKeepsMark(t *testing.T) {
	info := newFakeInfo()
	src := NewFillsPollSource(info, fixedTraders(addrA), 20*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for range src.Subscribe(ctx) {
		}
	}()

	require.Eventually(t, func() bool { return len(info.windows()) >= 3 }, time.Second, 5*time.Millisecond)
	ws := info.windows()
	assert.Equal(t, ws[0].start, ws[1].start, "empty ticks must not move the mark")
	assert.Equal(t, ws[1].start, ws[2].start)
}

func TestSeedHWMNeverRewinds(t *testing.T) {
	src := NewFillsPollSource(newFakeInfo(), fixedTraders(addrA), time.Hour)
	newer := time.Now()
	src.SeedHWM(addrA, newer)
	src.SeedHWM(addrA, newer.Add(-time.Hour))
	hwm, ok := src.HWM(addrA)
	require.True(t, ok)
	assert.True(t, hwm.Equal(newer))
}

func TestPositionsSourceEmitsWholeSet(t *testing.T) {
	info := newFakeInfo()
	info.states[addrA] = &hyperliquid.ClearinghouseState{Time: 1}
	info.states[addrB] = &hyperliquid.ClearinghouseState{Time: 2}

	src := NewPositionsSource(info, fixedTraders(addrA, addrB), time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ev := <-src.Subscribe(ctx)
	require.NoError(t, ev.Err)
	require.Len(t, ev.Value, 2)
	got := map[string]bool{}
	for _, tp := range ev.Value {
		got[tp.Address] = tp.State != nil
	}
	assert.True(t, got[addrA])
	assert.True(t, got[addrB])
}

func TestPositionsSourceAllFailuresEmitError(t *testing.T) {
	info := newFakeInfo()
	info.stateErr = assert.AnError

	src := NewPositionsSource(info, fixedTraders(addrA, addrB), time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ev := <-src.Subscribe(ctx)
	require.Error(t, ev.Err)
	assert.Contains(t, ev.Err.Error(), "all 2 traders failed")
}

func TestPollSourcesIdleWithoutTraders(t *testing.T) {
	info := newFakeInfo()
	src := NewPositionsSource(info, fixedTraders(), 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := src.Subscribe(ctx)
	select {
	case ev, ok := <-ch:
		if ok {
			t.Fatalf("unexpected emission: %+v", ev)
		}
	case <-time.After(60 * time.Millisecond):
	}
	info.mu.Lock()
	defer info.mu.Unlock()
	assert.Zero(t, info.stateCalls)
}

func TestFundingSourceAdvancesMark(t *testing.T) {
	info := newFakeInfo()
	at := time.Now().Add(-30 * time.Minute).Truncate(time.Millisecond)
	info.funding[addrA] = []hyperliquid.UserFunding{{
		Time: at.UnixMilli(),
		Hash: "0xf1",
		Delta: hyperliquid.FundingDelta{
			Coin:        "ETH",
			FundingRate: decimal.NewFromFloat(0.0000125),
			Szi:         decimal.NewFromInt(2),
			Usdc:        decimal.NewFromFloat(-0.41),
		},
	}}

	src := NewFundingSource(info, fixedTraders(addrA), 30*time.Millisecond)
	src.SeedHWM(addrA, at.Add(-time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := src.Subscribe(ctx)

	ev := <-ch
	require.NoError(t, ev.Err)
	require.Len(t, ev.Value.Events, 1)
	assert.Equal(t, "ETH", ev.Value.Events[0].Delta.Coin)

	require.Eventually(t, func() bool {
		info.mu.Lock()
		defer info.mu.Unlock()
		since := info.fundingSince[addrA]
		return len(since) >= 2 && since[len(since)-1] == at.UnixMilli()
	}, time.Second, 5*time.Millisecond)
}
