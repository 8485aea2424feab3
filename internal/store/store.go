// Package store provides database access for the sync journal.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/rudransh-shrivastava/peer-sync/internal/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const stateRowID = 1

var _ JournalRepository = (*JournalStore)(nil)

type JournalStore struct {
	db *gorm.DB
}

func NewJournalStore(gormDB *gorm.DB) *JournalStore {
	return &JournalStore{db: gormDB}
}

func (js *JournalStore) Record(ctx context.Context, operate, path string, dir Direction, at time.Time) error {
	return js.db.WithContext(ctx).Create(&db.SyncRecord{
		Operate:   operate,
		Path:      path,
		Direction: string(dir),
		At:        at.Unix(),
	}).Error
}

// Recent returns up to limit records, newest first.
func (js *JournalStore) Recent(ctx context.Context, limit int) ([]db.SyncRecord, error) {
	var records []db.SyncRecord
	err := js.db.WithContext(ctx).
		Order("at desc, id desc").
		Limit(limit).
		Find(&records).Error
	return records, err
}

// LastSync returns the zero time when no sync has completed yet.
func (js *JournalStore) LastSync(ctx context.Context) (time.Time, error) {
	var state db.SyncState
	err := js.db.WithContext(ctx).First(&state, stateRowID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(state.LastSync, 0), nil
}

func (js *JournalStore) MarkSynced(ctx context.Context, at time.Time) error {
	return js.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_sync"}),
	}).Create(&db.SyncState{ID: stateRowID, LastSync: at.Unix()}).Error
}
