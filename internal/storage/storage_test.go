package storage

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := New(":memory:", 1, 1)
	require.NoError(t, err)
	t.Cleanup(db.Close)
	return db
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestEnsureTrader(t *testing.T) {
	db := newTestDB(t)

	first, err := db.Traders.Ensure("0xc64cc00b46101bd40aa1c3121195e85c0b0918d8")
	require.NoError(t, err)
	assert.NotZero(t, first.ID)
	assert.True(t, first.IsActive)
	assert.False(t, first.FirstSeenAt.IsZero())

	// Same address resolves to the same row.
	again, err := db.Traders.Ensure("0xc64cc00b46101bd40aa1c3121195e85c0b0918d8")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	// Deactivate then Ensure reactivates.
	require.NoError(t, db.Traders.Deactivate(first.Address))
	back, err := db.Traders.ByAddress(first.Address)
	require.NoError(t, err)
	require.NotNil(t, back)
	assert.False(t, back.IsActive)

	revived, err := db.Traders.Ensure(first.Address)
	require.NoError(t, err)
	assert.True(t, revived.IsActive)

	active, err := db.Traders.Active()
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, first.ID, active[0].ID)
}

func TestByAddressUnknown(t *testing.T) {
	db := newTestDB(t)
	trader, err := db.Traders.ByAddress("0x0000000000000000000000000000000000000000")
	require.NoError(t, err)
	assert.Nil(t, trader)
}

func someTrade(traderID uint, tid int64, ts time.Time) Trade {
	return Trade{
		TraderID: traderID, Tid: tid, Coin: "ETH", Side: "B",
		Size: d("0.5"), Price: d("2987.3"), ClosedPnl: d("1.2"), Fee: d("0.1"),
		Timestamp: ts,
	}
}

func TestInsertTradesDeduplicates(t *testing.T) {
	db := newTestDB(t)
	trader, err := db.Traders.Ensure("0xc64cc00b46101bd40aa1c3121195e85c0b0918d8")
	require.NoError(t, err)

	ts := time.Date(2024, 1, 6, 12, 0, 0, 0, time.UTC)
	n, err := db.Trades.Insert([]Trade{
		someTrade(trader.ID, 100, ts),
		someTrade(trader.ID, 101, ts.Add(time.Minute)),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// Replaying the same tids is a net zero.
	n, err = db.Trades.Insert([]Trade{
		someTrade(trader.ID, 100, ts),
		someTrade(trader.ID, 101, ts.Add(time.Minute)),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	count, err := db.Trades.Count(trader.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	// A mixed batch inserts only the new tid.
	n, err = db.Trades.Insert([]Trade{
		someTrade(trader.ID, 101, ts.Add(time.Minute)),
		someTrade(trader.ID, 102, ts.Add(2*time.Minute)),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestInsertTradesEmptyIsNoop(t *testing.T) {
	db := newTestDB(t)
	n, err := db.Trades.Insert(nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTradeRangeAndLatest(t *testing.T) {
	db := newTestDB(t)
	trader, err := db.Traders.Ensure("0xc64cc00b46101bd40aa1c3121195e85c0b0918d8")
	require.NoError(t, err)

	none, err := db.Trades.LatestTime(trader.ID)
	require.NoError(t, err)
	assert.True(t, none.IsZero())

	base := time.Date(2024, 1, 6, 12, 0, 0, 0, time.UTC)
	_, err = db.Trades.Insert([]Trade{
		someTrade(trader.ID, 3, base.Add(2*time.Hour)),
		someTrade(trader.ID, 1, base),
		someTrade(trader.ID, 2, base.Add(time.Hour)),
	})
	require.NoError(t, err)

	got, err := db.Trades.Range(trader.ID, base, base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].Tid)
	assert.Equal(t, int64(2), got[1].Tid)

	after, err := db.Trades.Since(trader.ID, base)
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.Equal(t, int64(2), after[0].Tid)

	latest, err := db.Trades.LatestTime(trader.ID)
	require.NoError(t, err)
	assert.True(t, latest.Equal(base.Add(2*time.Hour)), "latest = %s", latest)
}

func TestInsertFundingDeduplicates(t *testing.T) {
	db := newTestDB(t)
	trader, err := db.Traders.Ensure("0xc64cc00b46101bd40aa1c3121195e85c0b0918d8")
	require.NoError(t, err)

	ts := time.Date(2024, 1, 6, 13, 0, 0, 0, time.UTC)
	events := []FundingEvent{
		{TraderID: trader.ID, Coin: "ETH", Time: ts, FundingRate: d("0.0000125"), Payment: d("-0.41"), PositionSize: d("-11")},
		{TraderID: trader.ID, Coin: "BTC", Time: ts, FundingRate: d("0.0000125"), Payment: d("0.20"), PositionSize: d("0.5")},
	}
	n, err := db.Funding.Insert(events)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = db.Funding.Insert(events)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	latest, err := db.Funding.LatestTime(trader.ID)
	require.NoError(t, err)
	assert.True(t, latest.Equal(ts), "latest = %s", latest)
}

func someSnapshot(traderID uint, ts time.Time, total string) PnLSnapshot {
	return PnLSnapshot{
		TraderID: traderID, Timestamp: ts,
		RealizedPnl: d("105"), UnrealizedPnl: d("15"), TotalPnl: d(total),
		FundingPnl: d("10"), TradingPnl: d("95"),
		TotalFees: d("5"), TotalVolume: d("24000"),
		OpenPositions: 2, TradeCount: 7,
	}
}

func TestSnapshotUpsertReplaces(t *testing.T) {
	db := newTestDB(t)
	trader, err := db.Traders.Ensure("0xc64cc00b46101bd40aa1c3121195e85c0b0918d8")
	require.NoError(t, err)

	ts := time.Date(2024, 1, 6, 12, 0, 0, 0, time.UTC)
	require.NoError(t, db.Snapshots.Save([]PnLSnapshot{someSnapshot(trader.ID, ts, "120")}))

	// Re-upsert with a different value replaces, not appends.
	require.NoError(t, db.Snapshots.Save([]PnLSnapshot{someSnapshot(trader.ID, ts, "150")}))

	rows, err := db.Snapshots.Range(trader.ID, ts.Add(-time.Minute), ts.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].TotalPnl.Equal(d("150")))

	// Idempotent with identical values.
	require.NoError(t, db.Snapshots.Save([]PnLSnapshot{someSnapshot(trader.ID, ts, "150")}))
	rows, err = db.Snapshots.Range(trader.ID, ts.Add(-time.Minute), ts.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].TotalPnl.Equal(d("150")))
}

func TestSnapshotSaveEmptyIsNoop(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Snapshots.Save(nil))
}

func TestSnapshotLatest(t *testing.T) {
	db := newTestDB(t)
	trader, err := db.Traders.Ensure("0xc64cc00b46101bd40aa1c3121195e85c0b0918d8")
	require.NoError(t, err)

	missing, err := db.Snapshots.Latest(trader.ID)
	require.NoError(t, err)
	assert.Nil(t, missing)

	base := time.Date(2024, 1, 6, 12, 0, 0, 0, time.UTC)
	require.NoError(t, db.Snapshots.Save([]PnLSnapshot{
		someSnapshot(trader.ID, base, "120"),
		someSnapshot(trader.ID, base.Add(time.Minute), "130"),
	}))

	latest, err := db.Snapshots.Latest(trader.ID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.True(t, latest.TotalPnl.Equal(d("130")))
}

func TestSnapshotAggregateBuckets(t *testing.T) {
	db := newTestDB(t)
	trader, err := db.Traders.Ensure("0xc64cc00b46101bd40aa1c3121195e85c0b0918d8")
	require.NoError(t, err)

	base := time.Date(2024, 1, 6, 12, 10, 0, 0, time.UTC)

	// Two snapshots inside the same hour collapse into one bucket holding
	// the later values; a third in the next hour opens a second bucket.
	require.NoError(t, db.Snapshots.Save([]PnLSnapshot{someSnapshot(trader.ID, base, "120")}))
	require.NoError(t, db.Snapshots.Save([]PnLSnapshot{someSnapshot(trader.ID, base.Add(20*time.Minute), "140")}))
	require.NoError(t, db.Snapshots.Save([]PnLSnapshot{someSnapshot(trader.ID, base.Add(time.Hour), "160")}))

	hourly, err := db.Snapshots.HourlyRange(trader.ID, base.Add(-time.Hour), base.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, hourly, 2)
	assert.True(t, hourly[0].Bucket.Equal(time.Date(2024, 1, 6, 12, 0, 0, 0, time.UTC)))
	assert.True(t, hourly[0].TotalPnl.Equal(d("140")))
	assert.True(t, hourly[1].TotalPnl.Equal(d("160")))
	assert.Equal(t, 2, hourly[0].OpenPositions)
	assert.True(t, hourly[0].TotalVolume.Equal(d("24000")))

	daily, err := db.Snapshots.DailyRange(trader.ID, base.Add(-24*time.Hour), base.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, daily, 1)
	assert.True(t, daily[0].Bucket.Equal(time.Date(2024, 1, 6, 0, 0, 0, 0, time.UTC)))
	assert.True(t, daily[0].TotalPnl.Equal(d("160")))
}

func TestParseGranularity(t *testing.T) {
	g, err := ParseGranularity("")
	require.NoError(t, err)
	assert.Equal(t, GranularityRaw, g)

	g, err = ParseGranularity("hourly")
	require.NoError(t, err)
	assert.Equal(t, GranularityHourly, g)

	g, err = ParseGranularity("daily")
	require.NoError(t, err)
	assert.Equal(t, GranularityDaily, g)

	_, err = ParseGranularity("weekly")
	assert.Error(t, err)
}

func TestGapInsertResolveStats(t *testing.T) {
	db := newTestDB(t)
	trader, err := db.Traders.Ensure("0xc64cc00b46101bd40aa1c3121195e85c0b0918d8")
	require.NoError(t, err)
	other, err := db.Traders.Ensure("0x1111111111111111111111111111111111111111")
	require.NoError(t, err)

	now := time.Date(2024, 1, 6, 12, 0, 0, 0, time.UTC)
	gap := DataGap{TraderID: trader.ID, GapStart: now.Add(-20 * time.Minute), GapEnd: now, GapType: GapTypeSnapshots}

	n, err := db.Gaps.Insert([]DataGap{gap})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// Same (trader, start) again is ignored.
	n, err = db.Gaps.Insert([]DataGap{gap})
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	_, err = db.Gaps.Insert([]DataGap{{TraderID: other.ID, GapStart: now.Add(-40 * time.Minute), GapEnd: now, GapType: GapTypeSnapshots}})
	require.NoError(t, err)

	stats, err := db.Gaps.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.OpenCount)
	assert.Equal(t, int64(2), stats.TradersWithGap)
	require.NotNil(t, stats.OldestStart)
	assert.True(t, stats.OldestStart.Equal(now.Add(-40*time.Minute)))

	resolved, err := db.Gaps.Resolve(trader.ID, now.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), resolved)

	open, err := db.Gaps.Open()
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, other.ID, open[0].TraderID)

	stats, err = db.Gaps.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.OpenCount)
	assert.Equal(t, int64(1), stats.TradersWithGap)
}
