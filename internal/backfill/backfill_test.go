package backfill

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
	"github.com/0xquant/hltracker/internal/storage"
)

const trader1 = "0x1111111111111111111111111111111111111111"

type window struct{ start, end int64 }

type scriptedClient struct {
	mu            sync.Mutex
	fillsByDay    map[int64][]hyperliquid.Fill
	fillsWindows  []window
	funding       []hyperliquid.UserFunding
	fundingStarts []int64
	fillsErr      error
	fundingErr    error
	fillCallCount int
	fundCallCount int
}

func (c *scriptedClient) UserFillsByTime(ctx context.Context, user string, startTime, endTime int64, priority ratelimit.Priority) ([]hyperliquid.Fill, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fillCallCount++
	c.fillsWindows = append(c.fillsWindows, window{start: startTime, end: endTime})
	if c.fillsErr != nil {
		return nil, c.fillsErr
	}
	return c.fillsByDay[startTime], nil
}

func (c *scriptedClient) UserFunding(ctx context.Context, user string, startTime int64, priority ratelimit.Priority) ([]hyperliquid.UserFunding, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fundCallCount++
	c.fundingStarts = append(c.fundingStarts, startTime)
	if c.fundingErr != nil {
		return nil, c.fundingErr
	}
	return c.funding, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	scopes []string
}

func (n *recordingNotifier) BudgetExhausted(scope string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.scopes = append(n.scopes, scope)
}

func newTestRunner(t *testing.T, client Client, days int, alerts Notifier) (*Runner, *storage.Database, *storage.Trader) {
	t.Helper()
	db, err := storage.New(":memory:", 1, 1)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	trader, err := db.Traders.Ensure(trader1)
	require.NoError(t, err)
	return New(client, db, ratelimit.NewBudget(), alerts, days), db, trader
}

func fillAt(tid int64, at time.Time) hyperliquid.Fill {
	return hyperliquid.Fill{
		Coin: "BTC",
		Px:   decimal.NewFromInt(40000),
		Sz:   decimal.NewFromFloat(0.1),
		Side: hyperliquid.SideBuy,
		Time: at.UnixMilli(),
		Dir:  "Open Long",
		Fee:  decimal.NewFromFloat(1.2),
		Tid:  tid,
	}
}

func TestRunCoversEveryDayOnce(t *testing.T) {
	client := &scriptedClient{fillsByDay: map[int64][]hyperliquid.Fill{}}

	days := 3
	now := time.Now().UTC()
	first := now.AddDate(0, 0, -days).Truncate(24 * time.Hour)
	var tid int64
	for day := first; day.Before(now); day = day.AddDate(0, 0, 1) {
		tid++
		client.fillsByDay[day.UnixMilli()] = []hyperliquid.Fill{fillAt(tid, day.Add(time.Hour))}
	}
	wantDays := len(client.fillsByDay)

	r, db, trader := newTestRunner(t, client, days, nil)
	res, err := r.Run(context.Background(), trader)
	require.NoError(t, err)

	assert.Equal(t, wantDays, res.Days)
	assert.Equal(t, int64(wantDays), res.Trades)

	client.mu.Lock()
	starts := map[int64]int{}
	for _, w := range client.fillsWindows {
		starts[w.start]++
	}
	client.mu.Unlock()
	assert.Len(t, starts, wantDays, "every day fetched")
	for day, n := range starts {
		assert.Equal(t, 1, n, "day %d fetched once", day)
	}

	n, err := db.Trades.Count(trader.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(wantDays), n)
}

func TestRunIsIdempotent(t *testing.T) {
	client := &scriptedClient{fillsByDay: map[int64][]hyperliquid.Fill{}}
	now := time.Now().UTC()
	day := now.AddDate(0, 0, -1).Truncate(24 * time.Hour)
	client.fillsByDay[day.UnixMilli()] = []hyperliquid.Fill{fillAt(99, day.Add(2 * time.Hour))}

	r, db, trader := newTestRunner(t, client, 1, nil)

	res1, err := r.Run(context.Background(), trader)
	require.NoError(t, err)
	require.Positive(t, res1.Trades)

	res2, err := r.Run(context.Background(), trader)
	require.NoError(t, err)
	assert.Zero(t, res2.Trades, "duplicate rows are dropped on replay")

	n, err := db.Trades.Count(trader.ID)
	require.NoError(t, err)
	assert.Equal(t, res1.Trades, n)
}

func TestRunRejectsConcurrentDuplicate(t *testing.T) {
	client := &scriptedClient{}
	r, _, trader := newTestRunner(t, client, 2, nil)

	require.True(t, r.begin(trader.Address))
	assert.True(t, r.Running(trader.Address))

	_, err := r.Run(context.Background(), trader)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	r.end(trader.Address)
	assert.False(t, r.Running(trader.Address))
	_, err = r.Run(context.Background(), trader)
	assert.NoError(t, err)
}

func TestRunZeroDaysIsNoop(t *testing.T) {
	client := &scriptedClient{}
	r, _, trader := newTestRunner(t, client, 0, nil)

	res, err := r.Run(context.Background(), trader)
	require.NoError(t, err)
	assert.Zero(t, res.Days)
	assert.Zero(t, client.fillCallCount)
}

func TestDayClipsFundingToChunk(t *testing.T) {
	now := time.Now().UTC()
	day := now.AddDate(0, 0, -2).Truncate(24 * time.Hour)
	inside := hyperliquid.UserFunding{
		Time: day.Add(3 * time.Hour).UnixMilli(),
		Hash: "0xaa",
		Delta: hyperliquid.FundingDelta{
			Coin: "ETH", Usdc: decimal.NewFromFloat(0.5), Szi: decimal.NewFromInt(1),
		},
	}
	outside := inside
	outside.Time = day.AddDate(0, 0, 1).Add(time.Hour).UnixMilli()

	client := &scriptedClient{funding: []hyperliquid.UserFunding{inside, outside}}
	r, db, trader := newTestRunner(t, client, 0, nil)

	trades, funding, err := r.day(context.Background(), trader, day, now)
	require.NoError(t, err)
	assert.Zero(t, trades)
	assert.Equal(t, int64(1), funding, "the event past the chunk end belongs to the next day")

	rows, err := db.Funding.Since(trader.ID, time.Time{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Time.Equal(time.UnixMilli(inside.Time)))
}

func TestRunReportsExhaustedBudget(t *testing.T) {
	client := &scriptedClient{fillsErr: ratelimit.ErrBudgetExhausted}
	alerts := &recordingNotifier{}
	r, _, trader := newTestRunner(t, client, 2, alerts)

	_, err := r.Run(context.Background(), trader)
	require.ErrorIs(t, err, ratelimit.ErrBudgetExhausted)

	alerts.mu.Lock()
	defer alerts.mu.Unlock()
	require.Len(t, alerts.scopes, 1)
	assert.Contains(t, alerts.scopes[0], trader1)
}
