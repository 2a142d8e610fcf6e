package storage

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TradeRepo manages the trades table.
type TradeRepo struct {
	db *gorm.DB
}

// Insert bulk-writes fills in one statement, dropping rows whose
// (trader_id, tid) already exists. It returns the net number of new rows.
func (r *TradeRepo) Insert(trades []Trade) (int64, error) {
	if len(trades) == 0 {
		return 0, nil
	}
	res := r.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&trades)
	return res.RowsAffected, res.Error
}

// Range returns a trader's fills within [from, to], oldest first.
func (r *TradeRepo) Range(traderID uint, from, to time.Time) ([]Trade, error) {
	var trades []Trade
	err := r.db.Where("trader_id = ? AND timestamp >= ? AND timestamp <= ?", traderID, from, to).
		Order("timestamp ASC, tid ASC").
		Find(&trades).Error
	return trades, err
}

// Since returns fills strictly after a point in time, oldest first. State
// restore replays these on top of the latest snapshot.
func (r *TradeRepo) Since(traderID uint, after time.Time) ([]Trade, error) {
	var trades []Trade
	err := r.db.Where("trader_id = ? AND timestamp > ?", traderID, after).
		Order("timestamp ASC, tid ASC").
		Find(&trades).Error
	return trades, err
}

// LatestTime returns the newest fill timestamp for a trader, zero when the
// trader has no fills yet.
func (r *TradeRepo) LatestTime(traderID uint) (time.Time, error) {
	var latest *time.Time
	err := r.db.Model(&Trade{}).
		Where("trader_id = ?", traderID).
		Select("MAX(timestamp)").
		Scan(&latest).Error
	if err != nil || latest == nil {
		return time.Time{}, err
	}
	return latest.UTC(), nil
}

// Count returns the number of persisted fills for a trader.
func (r *TradeRepo) Count(traderID uint) (int64, error) {
	var n int64
	err := r.db.Model(&Trade{}).Where("trader_id = ?", traderID).Count(&n).Error
	return n, err
}
