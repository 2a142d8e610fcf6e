package storage

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// TraderRepo manages the traders table.
type TraderRepo struct {
	db *gorm.DB
}

// Ensure returns the trader row for a normalized address, creating it on
// first sight and reactivating it if it was deactivated.
func (r *TraderRepo) Ensure(address string) (*Trader, error) {
	now := time.Now().UTC()
	trader := Trader{Address: address}
	err := r.db.Where(Trader{Address: address}).
		Attrs(Trader{FirstSeenAt: now, LastUpdatedAt: now, IsActive: true}).
		FirstOrCreate(&trader).Error
	if err != nil {
		return nil, err
	}
	if !trader.IsActive {
		trader.IsActive = true
		trader.LastUpdatedAt = now
		if err := r.db.Model(&trader).Updates(map[string]any{"is_active": true, "last_updated_at": now}).Error; err != nil {
			return nil, err
		}
	}
	return &trader, nil
}

// ByAddress looks up a trader; it returns (nil, nil) when unknown.
func (r *TraderRepo) ByAddress(address string) (*Trader, error) {
	var trader Trader
	err := r.db.Where("address = ?", address).First(&trader).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &trader, nil
}

// Active returns all active traders ordered by id.
func (r *TraderRepo) Active() ([]Trader, error) {
	var traders []Trader
	err := r.db.Where("is_active = ?", true).Order("id").Find(&traders).Error
	return traders, err
}

// Deactivate flags a trader inactive; its history stays.
func (r *TraderRepo) Deactivate(address string) error {
	return r.db.Model(&Trader{}).
		Where("address = ?", address).
		Updates(map[string]any{"is_active": false, "last_updated_at": time.Now().UTC()}).Error
}

// Touch bumps last_updated_at after fresh data landed for the trader.
func (r *TraderRepo) Touch(id uint, at time.Time) error {
	return r.db.Model(&Trader{}).Where("id = ?", id).Update("last_updated_at", at).Error
}
