// Package storage is the gorm persistence layer: models, connection
// bootstrap, and one repository per table with idempotent bulk writes.
package storage

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Database bundles the shared gorm handle and the per-table repositories.
type Database struct {
	db *gorm.DB

	Traders   *TraderRepo
	Trades    *TradeRepo
	Funding   *FundingRepo
	Snapshots *SnapshotRepo
	Gaps      *GapRepo
}

// New opens a Postgres connection when url looks like a connection string,
// otherwise a SQLite file (":memory:" works for tests), migrates the schema
// and sizes the pool.
func New(url string, maxOpen, maxIdle int) (*Database, error) {
	var db *gorm.DB
	var err error

	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}

	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		db, err = gorm.Open(postgres.Open(url), cfg)
		if err != nil {
			return nil, err
		}
		log.Info().Msg("database connected (postgres)")
	} else {
		if dir := filepath.Dir(url); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
		db, err = gorm.Open(sqlite.Open(url), cfg)
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", url).Msg("database opened (sqlite)")
	}

	if err := db.AutoMigrate(
		&Trader{}, &Trade{}, &FundingEvent{},
		&PnLSnapshot{}, &PnLHourly{}, &PnLDaily{},
		&DataGap{},
	); err != nil {
		return nil, err
	}

	if sqlDB, err := db.DB(); err == nil {
		if maxOpen > 0 {
			sqlDB.SetMaxOpenConns(maxOpen)
		}
		if maxIdle > 0 {
			sqlDB.SetMaxIdleConns(maxIdle)
		}
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	d := &Database{db: db}
	d.Traders = &TraderRepo{db: db}
	d.Trades = &TradeRepo{db: db}
	d.Funding = &FundingRepo{db: db}
	d.Snapshots = &SnapshotRepo{db: db}
	d.Gaps = &GapRepo{db: db}
	return d, nil
}

// Close releases the underlying connection pool.
func (d *Database) Close() {
	if sqlDB, err := d.db.DB(); err == nil {
		sqlDB.Close()
	}
}
