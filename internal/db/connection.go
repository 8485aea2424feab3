package db

import (
	"fmt"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SyncRecord is one operation that was applied locally or sent to the peer.
type SyncRecord struct {
	ID        uint   `gorm:"primaryKey"`
	Operate   string `gorm:"index"`
	Path      string `gorm:"index"`
	Direction string
	At        int64 `gorm:"index"`
}

// SyncState holds the single row with the last completed sync.
type SyncState struct {
	ID       uint `gorm:"primaryKey"`
	LastSync int64
}

func Open(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		PrepareStmt: true,
		Logger:      logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// a single connection keeps ":memory:" databases consistent
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&SyncRecord{}, &SyncState{}); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return db, nil
}

func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
