// Package events announces experiment state changes to downstream consumers.
package events

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

const (
	TypeExperimentStarted   = "experiment.started"
	TypeExperimentRotated   = "experiment.rotated"
	TypeExperimentPaused    = "experiment.paused"
	TypeExperimentResumed   = "experiment.resumed"
	TypeExperimentCompleted = "experiment.completed"
	TypeExperimentCancelled = "experiment.cancelled"
)

type Event struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	ExperimentID snowflake.ID   `json:"experiment_id"`
	OwnerID      string         `json:"owner_id"`
	VideoID      string         `json:"video_id"`
	OccurredAt   time.Time      `json:"occurred_at"`
	Data         map[string]any `json:"data,omitempty"`
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}
