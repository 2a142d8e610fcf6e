// Package backfill fetches a trader's missing history in day chunks, under
// the backfill priority of the shared rate budget so live polling always
// wins. Writes go through the same idempotent storage paths as live
// ingestion, so re-running a backfill is always safe.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/0xquant/hltracker/internal/hyperliquid"
	"github.com/0xquant/hltracker/internal/metrics"
	"github.com/0xquant/hltracker/internal/ratelimit"
	"github.com/0xquant/hltracker/internal/storage"
)

// ErrAlreadyRunning is returned when a backfill for the address is active.
var ErrAlreadyRunning = errors.New("backfill already running for trader")

// Client is the slice of the exchange client a backfill needs.
type Client interface {
	UserFillsByTime(ctx context.Context, user string, startTime, endTime int64, priority ratelimit.Priority) ([]hyperliquid.Fill, error)
	UserFunding(ctx context.Context, user string, startTime int64, priority ratelimit.Priority) ([]hyperliquid.UserFunding, error)
}

// Notifier is told when a backfill gives up on an exhausted budget. May be
// nil.
type Notifier interface {
	BudgetExhausted(scope string)
}

// Result summarizes one completed run.
type Result struct {
	Days     int           `json:"days"`
	Trades   int64         `json:"trades"`
	Funding  int64         `json:"funding"`
	Duration time.Duration `json:"duration"`
}

// Runner backfills one trader at a time per address, fanning day chunks out
// to as many workers as the budget currently recommends.
type Runner struct {
	client Client
	db     *storage.Database
	budget *ratelimit.Budget
	alerts Notifier
	days   int

	mu     sync.Mutex
	active map[string]struct{}
}

// New returns a runner covering the given number of days back from now.
func New(client Client, db *storage.Database, budget *ratelimit.Budget, alerts Notifier, days int) *Runner {
	return &Runner{
		client: client,
		db:     db,
		budget: budget,
		alerts: alerts,
		days:   days,
		active: make(map[string]struct{}),
	}
}

// Run backfills fills and funding for one trader, oldest day first. The
// worker count is re-read from the budget between chunk groups, so a busy
// live pipeline automatically slows the backfill down.
func (r *Runner) Run(ctx context.Context, trader *storage.Trader) (Result, error) {
	if r.days <= 0 {
		return Result{}, nil
	}
	if !r.begin(trader.Address) {
		return Result{}, ErrAlreadyRunning
	}
	defer r.end(trader.Address)

	started := time.Now()
	now := started.UTC()
	first := now.AddDate(0, 0, -r.days).Truncate(24 * time.Hour)

	chunks := make([]time.Time, 0, r.days+1)
	for day := first; day.Before(now); day = day.AddDate(0, 0, 1) {
		chunks = append(chunks, day)
	}

	log.Info().
		Str("address", trader.Address).
		Int("days", len(chunks)).
		Time("from", first).
		Msg("backfill started")

	var res Result
	var resMu sync.Mutex
	for len(chunks) > 0 {
		workers := r.budget.RecommendedWorkers()
		if workers < 1 {
			workers = 1
		}
		take := min(workers, len(chunks))
		group := chunks[:take]
		chunks = chunks[take:]

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(workers)
		for _, day := range group {
			day := day
			g.Go(func() error {
				trades, funding, err := r.day(gctx, trader, day, now)
				if err != nil {
					return err
				}
				resMu.Lock()
				res.Days++
				res.Trades += trades
				res.Funding += funding
				resMu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			if errors.Is(err, ratelimit.ErrBudgetExhausted) && r.alerts != nil {
				r.alerts.BudgetExhausted("backfill " + trader.Address)
			}
			res.Duration = time.Since(started)
			return res, err
		}
	}

	res.Duration = time.Since(started)
	log.Info().
		Str("address", trader.Address).
		Int("days", res.Days).
		Int64("trades", res.Trades).
		Int64("funding", res.Funding).
		Dur("took", res.Duration).
		Msg("backfill finished")
	return res, nil
}

// Running reports whether a backfill is active for the address.
func (r *Runner) Running(address string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[address]
	return ok
}

func (r *Runner) begin(address string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[address]; ok {
		return false
	}
	r.active[address] = struct{}{}
	return true
}

func (r *Runner) end(address string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, address)
}

// day covers [day, day+24h) clipped to now. Duplicate rows are dropped by
// the storage unique keys, so overlap with live ingestion is harmless.
func (r *Runner) day(ctx context.Context, trader *storage.Trader, day, now time.Time) (int64, int64, error) {
	end := day.AddDate(0, 0, 1)
	if end.After(now) {
		end = now
	}

	fills, err := r.client.UserFillsByTime(ctx, trader.Address, day.UnixMilli(), end.UnixMilli(), ratelimit.PriorityBackfill)
	if err != nil {
		return 0, 0, fmt.Errorf("fills %s: %w", day.Format("2006-01-02"), err)
	}
	var trades int64
	if len(fills) > 0 {
		rows := make([]storage.Trade, len(fills))
		for k, f := range fills {
			rows[k] = tradeRow(trader.ID, f)
		}
		trades, err = r.db.Trades.Insert(rows)
		if err != nil {
			return 0, 0, fmt.Errorf("store fills %s: %w", day.Format("2006-01-02"), err)
		}
		if trades > 0 {
			metrics.IncTradesWritten(int(trades))
		}
	}

	events, err := r.client.UserFunding(ctx, trader.Address, day.UnixMilli(), ratelimit.PriorityBackfill)
	if err != nil {
		return trades, 0, fmt.Errorf("funding %s: %w", day.Format("2006-01-02"), err)
	}
	var funding int64
	if len(events) > 0 {
		rows := make([]storage.FundingEvent, 0, len(events))
		for _, e := range events {
			// userFunding takes only a start time; clip to the chunk so
			// parallel days do not write each other's rows
			if e.Time >= end.UnixMilli() {
				continue
			}
			rows = append(rows, fundingRow(trader.ID, e))
		}
		if len(rows) > 0 {
			funding, err = r.db.Funding.Insert(rows)
			if err != nil {
				return trades, 0, fmt.Errorf("store funding %s: %w", day.Format("2006-01-02"), err)
			}
		}
	}

	log.Debug().
		Str("address", trader.Address).
		Str("day", day.Format("2006-01-02")).
		Int64("trades", trades).
		Int64("funding", funding).
		Msg("day backfilled")
	return trades, funding, nil
}

func tradeRow(traderID uint, f hyperliquid.Fill) storage.Trade {
	sp := f.StartPosition
	return storage.Trade{
		TraderID:      traderID,
		Tid:           f.Tid,
		Coin:          f.Coin,
		Side:          f.Side,
		Size:          f.Sz,
		Price:         f.Px,
		ClosedPnl:     f.ClosedPnl,
		Fee:           f.Fee,
		StartPosition: &sp,
		Direction:     f.Dir,
		Hash:          f.Hash,
		Oid:           f.Oid,
		Crossed:       f.Crossed,
		IsLiquidation: f.IsLiquidation(),
		Timestamp:     time.UnixMilli(f.Time),
	}
}

func fundingRow(traderID uint, u hyperliquid.UserFunding) storage.FundingEvent {
	return storage.FundingEvent{
		TraderID:     traderID,
		Coin:         u.Delta.Coin,
		Time:         time.UnixMilli(u.Time),
		FundingRate:  u.Delta.FundingRate,
		Payment:      u.Delta.Usdc,
		PositionSize: u.Delta.Szi,
		Hash:         u.Hash,
	}
}
