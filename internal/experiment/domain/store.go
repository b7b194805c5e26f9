package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Store is the durable record of experiments and their append-only history.
type Store interface {
	Create(ctx context.Context, exp *Experiment) error
	Load(ctx context.Context, id snowflake.ID) (*Experiment, error)
	// Save persists exp if its stored version still equals exp.Version and
	// bumps the version. A stale write returns ErrVersionConflict.
	Save(ctx context.Context, exp *Experiment) error
	// SaveWithRotation is Save plus the log entry in one transaction.
	SaveWithRotation(ctx context.Context, exp *Experiment, entry RotationLogEntry) error
	AppendRotationLog(ctx context.Context, entry RotationLogEntry) error
	AppendAnalyticsSnapshot(ctx context.Context, snapshot AnalyticsSnapshot) error
	ListActive(ctx context.Context) ([]Experiment, error)
	ListDuePending(ctx context.Context, now time.Time) ([]Experiment, error)
	ListEnded(ctx context.Context, now time.Time) ([]Experiment, error)
	ListRotationLog(ctx context.Context, id snowflake.ID) ([]RotationLogEntry, error)
	ListSnapshots(ctx context.Context, id snowflake.ID) ([]AnalyticsSnapshot, error)
	Archive(ctx context.Context, id snowflake.ID, now time.Time) error
}
