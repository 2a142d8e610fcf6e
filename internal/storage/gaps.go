package storage

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GapRepo manages the data_gaps table.
type GapRepo struct {
	db *gorm.DB
}

// GapStats summarizes open coverage gaps.
type GapStats struct {
	OpenCount      int64      `json:"openCount"`
	TradersWithGap int64      `json:"tradersWithGap"`
	OldestStart    *time.Time `json:"oldestStart,omitempty"`
}

// Insert records gap rows, ignoring (trader_id, gap_start) duplicates.
// Returns the number of newly opened gaps.
func (r *GapRepo) Insert(gaps []DataGap) (int64, error) {
	if len(gaps) == 0 {
		return 0, nil
	}
	res := r.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&gaps)
	return res.RowsAffected, res.Error
}

// Resolve closes every open gap for a trader by stamping resolved_at.
// Returns how many rows it closed.
func (r *GapRepo) Resolve(traderID uint, at time.Time) (int64, error) {
	res := r.db.Model(&DataGap{}).
		Where("trader_id = ? AND resolved_at IS NULL", traderID).
		Update("resolved_at", at.UTC())
	return res.RowsAffected, res.Error
}

// Open returns all unresolved gaps, oldest first.
func (r *GapRepo) Open() ([]DataGap, error) {
	var gaps []DataGap
	err := r.db.Where("resolved_at IS NULL").Order("gap_start ASC").Find(&gaps).Error
	return gaps, err
}

// Stats aggregates the open gaps.
func (r *GapRepo) Stats() (GapStats, error) {
	var stats GapStats

	if err := r.db.Model(&DataGap{}).Where("resolved_at IS NULL").Count(&stats.OpenCount).Error; err != nil {
		return stats, err
	}
	if err := r.db.Model(&DataGap{}).Where("resolved_at IS NULL").
		Distinct("trader_id").Count(&stats.TradersWithGap).Error; err != nil {
		return stats, err
	}

	var oldest *time.Time
	if err := r.db.Model(&DataGap{}).Where("resolved_at IS NULL").
		Select("MIN(gap_start)").Scan(&oldest).Error; err != nil {
		return stats, err
	}
	if oldest != nil {
		t := oldest.UTC()
		stats.OldestStart = &t
	}
	return stats, nil
}
