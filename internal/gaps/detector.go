// Package gaps watches snapshot coverage per trader: it opens data_gaps rows
// when the snapshot trail goes stale and closes them once fresh snapshots
// land again.
package gaps

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/0xquant/hltracker/internal/metrics"
	"github.com/0xquant/hltracker/internal/storage"
)

// GapThreshold is twice the expected snapshot cadence; anything older counts
// as a coverage gap.
const GapThreshold = 10 * time.Minute

// Alerter receives gap lifecycle notifications. Implementations must not
// block; a nil Alerter disables notifications.
type Alerter interface {
	GapOpened(address string, start, end time.Time)
	GapResolved(address string, at time.Time)
}

// Detector runs the startup scan and the per-write resolution hook.
type Detector struct {
	db        *storage.Database
	alerts    Alerter
	threshold time.Duration
	nowFn     func() time.Time
}

// New builds a detector with the default threshold.
func New(db *storage.Database, alerts Alerter) *Detector {
	return &Detector{db: db, alerts: alerts, threshold: GapThreshold, nowFn: time.Now}
}

// ScanOnStartup inspects every active trader's latest snapshot and records a
// gap row for each trail older than the threshold. Traders with no snapshots
// at all are left to the backfill, not flagged. Returns how many gaps were
// newly opened.
func (d *Detector) ScanOnStartup() (int64, error) {
	traders, err := d.db.Traders.Active()
	if err != nil {
		return 0, fmt.Errorf("load active traders: %w", err)
	}

	now := d.nowFn().UTC()

	open, err := d.db.Gaps.Open()
	if err != nil {
		return 0, fmt.Errorf("load open gaps: %w", err)
	}
	known := make(map[string]bool, len(open))
	for _, g := range open {
		known[gapKey(g.TraderID, g.GapStart)] = true
	}

	var candidates []storage.DataGap
	addressByID := make(map[uint]string, len(traders))
	for _, tr := range traders {
		addressByID[tr.ID] = tr.Address

		snap, err := d.db.Snapshots.Latest(tr.ID)
		if err != nil {
			log.Error().Err(err).Str("address", tr.Address).Msg("gap scan: latest snapshot lookup failed")
			continue
		}
		if snap == nil {
			continue
		}
		if now.Sub(snap.Timestamp) > d.threshold {
			candidates = append(candidates, storage.DataGap{
				TraderID: tr.ID,
				GapStart: snap.Timestamp.UTC(),
				GapEnd:   now,
				GapType:  storage.GapTypeSnapshots,
			})
		}
	}

	created, err := d.db.Gaps.Insert(candidates)
	if err != nil {
		return 0, fmt.Errorf("insert gaps: %w", err)
	}

	for _, g := range candidates {
		if known[gapKey(g.TraderID, g.GapStart)] {
			continue
		}
		minutes := g.GapEnd.Sub(g.GapStart).Minutes()
		log.Warn().
			Str("address", addressByID[g.TraderID]).
			Time("since", g.GapStart).
			Float64("minutes", minutes).
			Msg("snapshot coverage gap detected")
		if d.alerts != nil {
			d.alerts.GapOpened(addressByID[g.TraderID], g.GapStart, g.GapEnd)
		}
	}

	d.refreshMetrics()
	return created, nil
}

// ResolveFor closes all open gaps for a trader after a successful snapshot
// write.
func (d *Detector) ResolveFor(traderID uint, address string) error {
	now := d.nowFn().UTC()
	n, err := d.db.Gaps.Resolve(traderID, now)
	if err != nil {
		return fmt.Errorf("resolve gaps: %w", err)
	}
	if n > 0 {
		log.Info().Str("address", address).Int64("gaps", n).Msg("coverage gaps resolved")
		if d.alerts != nil {
			d.alerts.GapResolved(address, now)
		}
		d.refreshMetrics()
	}
	return nil
}

// Stats returns the open-gap summary and refreshes the gauge.
func (d *Detector) Stats() (storage.GapStats, error) {
	stats, err := d.db.Gaps.Stats()
	if err != nil {
		return stats, err
	}
	metrics.SetOpenGaps(int(stats.OpenCount))
	return stats, nil
}

func (d *Detector) refreshMetrics() {
	if stats, err := d.db.Gaps.Stats(); err == nil {
		metrics.SetOpenGaps(int(stats.OpenCount))
	}
}

func gapKey(traderID uint, start time.Time) string {
	return fmt.Sprintf("%d|%d", traderID, start.UTC().UnixMilli())
}
