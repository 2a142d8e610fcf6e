package storage

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// FundingRepo manages the funding_events table.
type FundingRepo struct {
	db *gorm.DB
}

// Insert bulk-writes funding payments, dropping rows whose
// (trader_id, coin, time) already exists. Returns the net insert count.
func (r *FundingRepo) Insert(events []FundingEvent) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}
	res := r.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&events)
	return res.RowsAffected, res.Error
}

// Range returns a trader's funding payments within [from, to], oldest first.
func (r *FundingRepo) Range(traderID uint, from, to time.Time) ([]FundingEvent, error) {
	var events []FundingEvent
	err := r.db.Where("trader_id = ? AND time >= ? AND time <= ?", traderID, from, to).
		Order("time ASC").
		Find(&events).Error
	return events, err
}

// Since returns funding payments strictly after a point in time, oldest first.
func (r *FundingRepo) Since(traderID uint, after time.Time) ([]FundingEvent, error) {
	var events []FundingEvent
	err := r.db.Where("trader_id = ? AND time > ?", traderID, after).
		Order("time ASC").
		Find(&events).Error
	return events, err
}

// LatestTime returns the newest funding timestamp for a trader, zero when
// none exist.
func (r *FundingRepo) LatestTime(traderID uint) (time.Time, error) {
	var latest *time.Time
	err := r.db.Model(&FundingEvent{}).
		Where("trader_id = ?", traderID).
		Select("MAX(time)").
		Scan(&latest).Error
	if err != nil || latest == nil {
		return time.Time{}, err
	}
	return latest.UTC(), nil
}
