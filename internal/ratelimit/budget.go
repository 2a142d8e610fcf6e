package ratelimit

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/0xquant/hltracker/internal/metrics"
)

// Hyperliquid publishes a weight-per-minute cap, not a request count. The
// budget splits that cap between three priority classes: user reads may spend
// up to the hard cap, polling and backfill only up to the 80% target, so user
// traffic always has headroom and backfill gets whatever polling leaves idle.

// Priority classifies who is asking for weight.
type Priority string

const (
	PriorityUser     Priority = "user"
	PriorityPolling  Priority = "polling"
	PriorityBackfill Priority = "backfill"
)

const (
	// MaxWeightPerMinute is the exchange's hard cap per rolling minute.
	MaxWeightPerMinute = 1200
	// TargetWeight caps polling+backfill so user reads never starve.
	TargetWeight = MaxWeightPerMinute * 80 / 100

	windowLength = time.Minute

	// Per-day backfill chunk: one fills call (20) plus one funding call (20).
	chunkWeight = 40

	minWorkers = 1
	maxWorkers = 5

	admitRetries  = 30
	admitBaseWait = 2 * time.Second
	admitJitter   = 3 * time.Second
)

// ErrBudgetExhausted is returned when a caller gives up after repeated
// admission refusals.
var ErrBudgetExhausted = errors.New("rate budget exhausted")

type counters struct {
	user     int
	polling  int
	backfill int
}

func (c counters) total() int { return c.user + c.polling + c.backfill }

// Budget tracks weight consumption over a sliding 1-minute window. It is
// shared by every producer in the process; all methods are safe for
// concurrent use.
type Budget struct {
	mu          sync.Mutex
	cur         counters
	prev        counters
	windowStart time.Time
	nowFn       func() time.Time
}

// NewBudget returns a budget with an empty window starting now.
func NewBudget() *Budget {
	return &Budget{
		windowStart: time.Now(),
		nowFn:       time.Now,
	}
}

// roll advances the window if a minute has passed. The previous window's
// counters survive exactly one rotation so Stats has a non-empty estimate
// right after a reset. Must be called with mu held.
func (b *Budget) roll() {
	now := b.nowFn()
	elapsed := now.Sub(b.windowStart)
	if elapsed < windowLength {
		return
	}
	rotations := elapsed / windowLength
	if rotations == 1 {
		b.prev = b.cur
	} else {
		b.prev = counters{}
	}
	b.cur = counters{}
	b.windowStart = b.windowStart.Add(rotations * windowLength)
}

// Record asks for weight under the given priority. It returns true and charges
// the window when admitted. User requests are admitted up to the hard cap;
// polling and backfill only up to the target.
func (b *Budget) Record(priority Priority, weight int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.roll()

	total := b.cur.total()
	switch priority {
	case PriorityUser:
		if total+weight > MaxWeightPerMinute {
			return false
		}
		b.cur.user += weight
	case PriorityPolling:
		if total+weight > TargetWeight {
			return false
		}
		b.cur.polling += weight
	case PriorityBackfill:
		if total+weight > TargetWeight {
			return false
		}
		b.cur.backfill += weight
	default:
		return false
	}
	return true
}

// WaitAdmit blocks until weight is admitted, retrying with jittered backoff.
// After 30 refusals it gives up with ErrBudgetExhausted.
func (b *Budget) WaitAdmit(ctx context.Context, priority Priority, weight int) error {
	for attempt := 1; attempt <= admitRetries; attempt++ {
		if b.Record(priority, weight) {
			return nil
		}
		delay := admitBaseWait + time.Duration(rand.Int63n(int64(admitJitter)))
		log.Debug().
			Str("priority", string(priority)).
			Int("weight", weight).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("rate budget refused, backing off")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return ErrBudgetExhausted
}

// BackfillBudget reports the weight left under the target after user and
// polling consumption.
func (b *Budget) BackfillBudget() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.roll()

	budget := TargetWeight - (b.cur.user + b.cur.polling)
	if budget < 0 {
		return 0
	}
	return budget
}

// RecommendedWorkers sizes the backfill pool from the spare budget, one
// worker per day-chunk of weight, clamped to [1,5].
func (b *Budget) RecommendedWorkers() int {
	workers := b.BackfillBudget() / chunkWeight
	if workers < minWorkers {
		return minWorkers
	}
	if workers > maxWorkers {
		return maxWorkers
	}
	return workers
}

// Breakdown is the per-priority weight split inside a window.
type Breakdown struct {
	User     int `json:"user"`
	Polling  int `json:"polling"`
	Backfill int `json:"backfill"`
}

// Stats is the reporting view of the budget.
type Stats struct {
	WeightPerMin       int       `json:"weightPerMin"`
	Utilization        int       `json:"utilization"`
	Target             int       `json:"target"`
	Max                int       `json:"max"`
	Breakdown          Breakdown `json:"breakdown"`
	RecommendedWorkers int       `json:"recommendedWorkers"`
	BackfillBudget     int       `json:"backfillBudget"`
}

// Stats reports current window consumption. A freshly rotated window reports
// the previous window's counters so dashboards never flash to zero on the
// minute boundary.
func (b *Budget) Stats() Stats {
	b.mu.Lock()
	b.roll()
	view := b.cur
	if view.total() == 0 {
		view = b.prev
	}
	spare := TargetWeight - (b.cur.user + b.cur.polling)
	b.mu.Unlock()

	if spare < 0 {
		spare = 0
	}
	workers := spare / chunkWeight
	if workers < minWorkers {
		workers = minWorkers
	} else if workers > maxWorkers {
		workers = maxWorkers
	}

	s := Stats{
		WeightPerMin:       view.total(),
		Utilization:        int(math.Round(float64(view.total()) / MaxWeightPerMinute * 100)),
		Target:             TargetWeight,
		Max:                MaxWeightPerMinute,
		Breakdown:          Breakdown{User: view.user, Polling: view.polling, Backfill: view.backfill},
		RecommendedWorkers: workers,
		BackfillBudget:     spare,
	}

	metrics.SetBudgetWeight(string(PriorityUser), view.user)
	metrics.SetBudgetWeight(string(PriorityPolling), view.polling)
	metrics.SetBudgetWeight(string(PriorityBackfill), view.backfill)
	metrics.SetBudgetUtilization(s.Utilization)

	return s
}
