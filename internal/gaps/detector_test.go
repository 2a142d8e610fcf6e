package gaps

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xquant/hltracker/internal/storage"
)

type recordingAlerter struct {
	opened   []string
	resolved []string
}

func (r *recordingAlerter) GapOpened(address string, start, end time.Time) {
	r.opened = append(r.opened, address)
}

func (r *recordingAlerter) GapResolved(address string, at time.Time) {
	r.resolved = append(r.resolved, address)
}

func newTestDetector(t *testing.T, now time.Time) (*Detector, *storage.Database, *recordingAlerter) {
	t.Helper()
	db, err := storage.New(":memory:", 1, 1)
	require.NoError(t, err)
	t.Cleanup(db.Close)

	alerts := &recordingAlerter{}
	det := New(db, alerts)
	det.nowFn = func() time.Time { return now }
	return det, db, alerts
}

func snapshotAt(traderID uint, ts time.Time) storage.PnLSnapshot {
	return storage.PnLSnapshot{
		TraderID: traderID, Timestamp: ts,
		RealizedPnl: decimal.Zero, UnrealizedPnl: decimal.Zero, TotalPnl: decimal.Zero,
		FundingPnl: decimal.Zero, TradingPnl: decimal.Zero,
		TotalFees: decimal.Zero, TotalVolume: decimal.Zero,
	}
}

func TestScanOpensGapForStaleTrail(t *testing.T) {
	now := time.Date(2024, 1, 6, 12, 0, 0, 0, time.UTC)
	det, db, alerts := newTestDetector(t, now)

	trader, err := db.Traders.Ensure("0xc64cc00b46101bd40aa1c3121195e85c0b0918d8")
	require.NoError(t, err)
	require.NoError(t, db.Snapshots.Save([]storage.PnLSnapshot{snapshotAt(trader.ID, now.Add(-20*time.Minute))}))

	created, err := det.ScanOnStartup()
	require.NoError(t, err)
	assert.Equal(t, int64(1), created)

	open, err := db.Gaps.Open()
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.True(t, open[0].GapStart.Equal(now.Add(-20*time.Minute)))
	assert.True(t, open[0].GapEnd.Equal(now))
	assert.Equal(t, 20.0, open[0].GapEnd.Sub(open[0].GapStart).Minutes())
	assert.Equal(t, storage.GapTypeSnapshots, open[0].GapType)
	assert.Equal(t, []string{trader.Address}, alerts.opened)

	// A second scan is idempotent and does not re-alert.
	created, err = det.ScanOnStartup()
	require.NoError(t, err)
	assert.Zero(t, created)
	assert.Len(t, alerts.opened, 1)
}

func TestScanSkipsFreshAndUnsnapshotted(t *testing.T) {
	now := time.Date(2024, 1, 6, 12, 0, 0, 0, time.UTC)
	det, db, _ := newTestDetector(t, now)

	fresh, err := db.Traders.Ensure("0xc64cc00b46101bd40aa1c3121195e85c0b0918d8")
	require.NoError(t, err)
	require.NoError(t, db.Snapshots.Save([]storage.PnLSnapshot{snapshotAt(fresh.ID, now.Add(-5*time.Minute))}))

	// Never snapshotted: backfill territory, not a gap.
	_, err = db.Traders.Ensure("0x1111111111111111111111111111111111111111")
	require.NoError(t, err)

	created, err := det.ScanOnStartup()
	require.NoError(t, err)
	assert.Zero(t, created)

	open, err := db.Gaps.Open()
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestResolveForClosesOpenGaps(t *testing.T) {
	now := time.Date(2024, 1, 6, 12, 0, 0, 0, time.UTC)
	det, db, alerts := newTestDetector(t, now)

	trader, err := db.Traders.Ensure("0xc64cc00b46101bd40aa1c3121195e85c0b0918d8")
	require.NoError(t, err)
	require.NoError(t, db.Snapshots.Save([]storage.PnLSnapshot{snapshotAt(trader.ID, now.Add(-20*time.Minute))}))

	_, err = det.ScanOnStartup()
	require.NoError(t, err)

	// A snapshot lands five minutes later; its write path resolves the gap.
	det.nowFn = func() time.Time { return now.Add(5 * time.Minute) }
	require.NoError(t, det.ResolveFor(trader.ID, trader.Address))

	open, err := db.Gaps.Open()
	require.NoError(t, err)
	assert.Empty(t, open)
	assert.Equal(t, []string{trader.Address}, alerts.resolved)

	stats, err := det.Stats()
	require.NoError(t, err)
	assert.Zero(t, stats.OpenCount)

	// Resolving again is a quiet no-op.
	require.NoError(t, det.ResolveFor(trader.ID, trader.Address))
	assert.Len(t, alerts.resolved, 1)
}
