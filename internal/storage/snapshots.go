package storage

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Granularity selects which table a snapshot range query reads.
type Granularity string

const (
	GranularityRaw    Granularity = "raw"
	GranularityHourly Granularity = "hourly"
	GranularityDaily  Granularity = "daily"
)

// ParseGranularity maps a query-string value onto a Granularity; empty means
// raw.
func ParseGranularity(s string) (Granularity, error) {
	switch s {
	case "", string(GranularityRaw):
		return GranularityRaw, nil
	case string(GranularityHourly):
		return GranularityHourly, nil
	case string(GranularityDaily):
		return GranularityDaily, nil
	default:
		return "", fmt.Errorf("unknown granularity %q", s)
	}
}

// SnapshotRepo manages pnl_snapshots and the hourly/daily aggregate tables.
type SnapshotRepo struct {
	db *gorm.DB
}

var snapshotUpdateColumns = []string{
	"realized_pnl", "unrealized_pnl", "total_pnl", "funding_pnl", "trading_pnl",
	"total_fees", "total_volume", "open_positions",
	"trade_count", "liquidation_count", "flip_count", "account_value",
}

var bucketUpdateColumns = []string{
	"realized_pnl", "unrealized_pnl", "total_pnl", "funding_pnl", "trading_pnl",
	"total_volume", "open_positions", "account_value", "updated_at",
}

// Save upserts snapshot rows and folds each one into its hourly and daily
// bucket, all in one transaction. Re-saving a (trader, timestamp) pair
// replaces every numeric column; the newest snapshot inside a bucket wins.
func (r *SnapshotRepo) Save(snaps []PnLSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}

	hourly := make([]PnLHourly, 0, len(snaps))
	daily := make([]PnLDaily, 0, len(snaps))
	now := time.Now().UTC()
	for _, s := range snaps {
		hourly = append(hourly, PnLHourly{
			TraderID: s.TraderID, Bucket: s.Timestamp.UTC().Truncate(time.Hour),
			RealizedPnl: s.RealizedPnl, UnrealizedPnl: s.UnrealizedPnl, TotalPnl: s.TotalPnl,
			FundingPnl: s.FundingPnl, TradingPnl: s.TradingPnl, TotalVolume: s.TotalVolume,
			OpenPositions: s.OpenPositions, AccountValue: s.AccountValue, UpdatedAt: now,
		})
		daily = append(daily, PnLDaily{
			TraderID: s.TraderID, Bucket: s.Timestamp.UTC().Truncate(24 * time.Hour),
			RealizedPnl: s.RealizedPnl, UnrealizedPnl: s.UnrealizedPnl, TotalPnl: s.TotalPnl,
			FundingPnl: s.FundingPnl, TradingPnl: s.TradingPnl, TotalVolume: s.TotalVolume,
			OpenPositions: s.OpenPositions, AccountValue: s.AccountValue, UpdatedAt: now,
		})
	}

	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "trader_id"}, {Name: "timestamp"}},
			DoUpdates: clause.AssignmentColumns(snapshotUpdateColumns),
		}).Create(&snaps).Error; err != nil {
			return err
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "trader_id"}, {Name: "bucket"}},
			DoUpdates: clause.AssignmentColumns(bucketUpdateColumns),
		}).Create(&hourly).Error; err != nil {
			return err
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "trader_id"}, {Name: "bucket"}},
			DoUpdates: clause.AssignmentColumns(bucketUpdateColumns),
		}).Create(&daily).Error
	})
}

// Latest returns a trader's most recent snapshot, (nil, nil) when there is
// none yet.
func (r *SnapshotRepo) Latest(traderID uint) (*PnLSnapshot, error) {
	var snap PnLSnapshot
	err := r.db.Where("trader_id = ?", traderID).Order("timestamp DESC").First(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// Range returns raw snapshots within [from, to], oldest first.
func (r *SnapshotRepo) Range(traderID uint, from, to time.Time) ([]PnLSnapshot, error) {
	var snaps []PnLSnapshot
	err := r.db.Where("trader_id = ? AND timestamp >= ? AND timestamp <= ?", traderID, from, to).
		Order("timestamp ASC").
		Find(&snaps).Error
	return snaps, err
}

// HourlyRange returns hour buckets within [from, to], oldest first.
func (r *SnapshotRepo) HourlyRange(traderID uint, from, to time.Time) ([]PnLHourly, error) {
	var rows []PnLHourly
	err := r.db.Where("trader_id = ? AND bucket >= ? AND bucket <= ?", traderID, from, to).
		Order("bucket ASC").
		Find(&rows).Error
	return rows, err
}

// DailyRange returns day buckets within [from, to], oldest first.
func (r *SnapshotRepo) DailyRange(traderID uint, from, to time.Time) ([]PnLDaily, error) {
	var rows []PnLDaily
	err := r.db.Where("trader_id = ? AND bucket >= ? AND bucket <= ?", traderID, from, to).
		Order("bucket ASC").
		Find(&rows).Error
	return rows, err
}
