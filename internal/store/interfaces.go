package store

import (
	"context"
	"time"

	"github.com/rudransh-shrivastava/peer-sync/internal/db"
)

type Direction string

const (
	Inbound  Direction = "in"
	Outbound Direction = "out"
)

// JournalRepository records sync operations and the last completed sync.
type JournalRepository interface {
	Record(ctx context.Context, operate, path string, dir Direction, at time.Time) error
	Recent(ctx context.Context, limit int) ([]db.SyncRecord, error)
	LastSync(ctx context.Context) (time.Time, error)
	MarkSynced(ctx context.Context, at time.Time) error
}
