package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBudget(start time.Time) (*Budget, *time.Time) {
	now := start
	b := NewBudget()
	b.windowStart = start
	b.nowFn = func() time.Time { return now }
	return b, &now
}

func TestRecordPriorityCeilings(t *testing.T) {
	b, _ := newTestBudget(time.Now())

	// User reads may run the window up to the hard cap, polling and backfill
	// stop at the 80% target.
	assert.True(t, b.Record(PriorityUser, 60))
	assert.True(t, b.Record(PriorityPolling, 900)) // total 960 == target
	assert.False(t, b.Record(PriorityPolling, 1))
	assert.False(t, b.Record(PriorityBackfill, 1))
	assert.True(t, b.Record(PriorityUser, 240)) // total 1200 == max
	assert.False(t, b.Record(PriorityUser, 1))
}

func TestRecordUnknownPriorityRefused(t *testing.T) {
	b, _ := newTestBudget(time.Now())
	assert.False(t, b.Record(Priority("vip"), 1))
}

func TestWindowRollRetainsPreviousOnce(t *testing.T) {
	start := time.Now()
	b, now := newTestBudget(start)

	require.True(t, b.Record(PriorityPolling, 500))

	// One rotation: current resets, previous keeps the old counters and
	// feeds the stats estimate.
	*now = start.Add(61 * time.Second)
	s := b.Stats()
	assert.Equal(t, 500, s.WeightPerMin)
	assert.Equal(t, 500, s.Breakdown.Polling)

	// The freed window admits again from zero.
	assert.True(t, b.Record(PriorityPolling, 960))

	// Two idle rotations later both windows are empty.
	*now = start.Add(4 * time.Minute)
	s = b.Stats()
	assert.Equal(t, 0, s.WeightPerMin)
	assert.Equal(t, 0, s.Utilization)
}

func TestStatsUtilizationRounds(t *testing.T) {
	b, _ := newTestBudget(time.Now())
	require.True(t, b.Record(PriorityUser, 600))

	s := b.Stats()
	assert.Equal(t, 600, s.WeightPerMin)
	assert.Equal(t, 50, s.Utilization)
	assert.Equal(t, TargetWeight, s.Target)
	assert.Equal(t, MaxWeightPerMinute, s.Max)
	assert.Equal(t, 600, s.Breakdown.User)
}

func TestBackfillBudget(t *testing.T) {
	b, _ := newTestBudget(time.Now())
	assert.Equal(t, TargetWeight, b.BackfillBudget())

	require.True(t, b.Record(PriorityUser, 100))
	require.True(t, b.Record(PriorityPolling, 200))
	assert.Equal(t, TargetWeight-300, b.BackfillBudget())

	// Backfill's own consumption does not shrink its budget view.
	require.True(t, b.Record(PriorityBackfill, 100))
	assert.Equal(t, TargetWeight-300, b.BackfillBudget())

	// User weight past the target floors the budget at zero.
	require.True(t, b.Record(PriorityUser, 900))
	assert.Equal(t, 0, b.BackfillBudget())
}

func TestRecommendedWorkersClamped(t *testing.T) {
	b, _ := newTestBudget(time.Now())
	// Empty window: 960/40 = 24, clamped to 5.
	assert.Equal(t, 5, b.RecommendedWorkers())

	require.True(t, b.Record(PriorityPolling, 880))
	// 80 spare = 2 chunks.
	assert.Equal(t, 2, b.RecommendedWorkers())

	require.True(t, b.Record(PriorityPolling, 80))
	// Nothing spare still recommends one worker.
	assert.Equal(t, 1, b.RecommendedWorkers())
}

func TestConcurrentRecordNeverExceedsCap(t *testing.T) {
	b, _ := newTestBudget(time.Now())

	var admitted int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if b.Record(PriorityUser, 1) {
					atomic.AddInt64(&admitted, 1)
				}
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, admitted, int64(MaxWeightPerMinute))
	assert.Equal(t, int64(MaxWeightPerMinute), admitted) // 5000 attempts > cap
}

func TestWaitAdmitImmediate(t *testing.T) {
	b, _ := newTestBudget(time.Now())
	require.NoError(t, b.WaitAdmit(context.Background(), PriorityPolling, 20))
}

func TestWaitAdmitHonoursContext(t *testing.T) {
	b, _ := newTestBudget(time.Now())
	require.True(t, b.Record(PriorityPolling, TargetWeight))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := b.WaitAdmit(ctx, PriorityPolling, 20)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
