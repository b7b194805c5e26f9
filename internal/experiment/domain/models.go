// Package domain contains persistence models for title rotation experiments.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Status represents lifecycle states for an experiment.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// PauseReason tells the owner what is needed to resume.
type PauseReason string

const (
	PauseReasonNone             PauseReason = ""
	PauseReasonReconnectAccount PauseReason = "reconnect_account"
	PauseReasonVideoMissing     PauseReason = "video_missing"
	PauseReasonOwnerPaused      PauseReason = "owner_paused"
	PauseReasonPlatformFailure  PauseReason = "platform_failure"
)

const (
	MinVariants        = 2
	MaxVariants        = 5
	MaxVariantLength   = 100
	MinRotationSeconds = 60
	MaxRotationSeconds = 30 * 24 * 60 * 60
	NoActiveIndex      = -1
)

// Experiment is one video's title rotation trial.
type Experiment struct {
	ID              snowflake.ID      `gorm:"primaryKey"`
	OwnerID         string            `gorm:"type:varchar(128);not null;index"`
	VideoID         string            `gorm:"type:varchar(128);not null;index"`
	IntervalSeconds int64             `gorm:"not null"`
	Status          Status            `gorm:"type:varchar(16);not null;index"`
	ActiveIndex     int               `gorm:"not null"`
	ActiveSince     *time.Time        `gorm:""`
	StartsAt        *time.Time        `gorm:""`
	EndsAt          *time.Time        `gorm:""`
	StartedAt       *time.Time        `gorm:""`
	CompletedAt     *time.Time        `gorm:""`
	CancelledAt     *time.Time        `gorm:""`
	PauseReason     PauseReason       `gorm:"type:varchar(32)"`
	PauseDetail     string            `gorm:"type:text"`
	PausedAt        *time.Time        `gorm:""`
	Metadata        datatypes.JSONMap `gorm:""`
	Version         int64             `gorm:"not null"`
	ArchivedAt      *time.Time        `gorm:"index"`
	CreatedAt       time.Time         `gorm:"not null"`
	UpdatedAt       time.Time         `gorm:"not null"`

	Variants []Variant `gorm:"-"`
}

// TableName sets the database table name.
func (Experiment) TableName() string { return "experiments" }

// Interval returns the rotation cadence.
func (e *Experiment) Interval() time.Duration {
	return time.Duration(e.IntervalSeconds) * time.Second
}

// ActiveVariant returns the live variant, or nil when the experiment is not active.
func (e *Experiment) ActiveVariant() *Variant {
	if e == nil || e.Status != StatusActive {
		return nil
	}
	if e.ActiveIndex < 0 || e.ActiveIndex >= len(e.Variants) {
		return nil
	}
	return &e.Variants[e.ActiveIndex]
}

// Activate makes the variant at index the only live one.
func (e *Experiment) Activate(index int, now time.Time) {
	for i := range e.Variants {
		e.Variants[i].Active = i == index
	}
	v := &e.Variants[index]
	if v.FirstActivatedAt == nil {
		at := now
		v.FirstActivatedAt = &at
	}
	at := now
	e.ActiveIndex = index
	e.ActiveSince = &at
	e.Status = StatusActive
	e.PauseReason = PauseReasonNone
	e.PauseDetail = ""
	e.PausedAt = nil
}

// ClearActive marks no variant live. ActiveIndex is kept as progress.
func (e *Experiment) ClearActive() {
	for i := range e.Variants {
		e.Variants[i].Active = false
	}
}

// Variant is one candidate title at a fixed position.
type Variant struct {
	ID               snowflake.ID `gorm:"primaryKey"`
	ExperimentID     snowflake.ID `gorm:"not null;uniqueIndex:ux_variant_position,priority:1"`
	Position         int          `gorm:"not null;uniqueIndex:ux_variant_position,priority:2"`
	Text             string       `gorm:"type:varchar(255);not null"`
	Active           bool         `gorm:"not null"`
	FirstActivatedAt *time.Time   `gorm:""`
	CreatedAt        time.Time    `gorm:"not null"`
}

// TableName sets the database table name.
func (Variant) TableName() string { return "experiment_variants" }

// RotationLogEntry records one activation. Rows are never updated.
type RotationLogEntry struct {
	ID           snowflake.ID `gorm:"primaryKey"`
	ExperimentID snowflake.ID `gorm:"not null;uniqueIndex:ux_rotation_sequence,priority:1"`
	VariantID    snowflake.ID `gorm:"not null"`
	Position     int          `gorm:"not null"`
	Sequence     int64        `gorm:"not null;uniqueIndex:ux_rotation_sequence,priority:2"`
	Text         string       `gorm:"type:varchar(255);not null"`
	ActivatedAt  time.Time    `gorm:"not null"`
}

// TableName sets the database table name.
func (RotationLogEntry) TableName() string { return "rotation_log" }

// AnalyticsSnapshot is a point-in-time engagement reading attributed to a variant.
type AnalyticsSnapshot struct {
	ID                     snowflake.ID   `gorm:"primaryKey"`
	ExperimentID           snowflake.ID   `gorm:"not null;index:ix_snapshot_experiment,priority:1"`
	VariantID              snowflake.ID   `gorm:"not null"`
	Position               int            `gorm:"not null"`
	PolledAt               time.Time      `gorm:"not null;index:ix_snapshot_experiment,priority:2"`
	Views                  int64          `gorm:"not null"`
	Impressions            int64          `gorm:"not null"`
	Clicks                 int64          `gorm:"not null"`
	AvgViewDurationSeconds float64        `gorm:"not null"`
	Raw                    datatypes.JSON `gorm:""`
}

// TableName sets the database table name.
func (AnalyticsSnapshot) TableName() string { return "analytics_snapshots" }
