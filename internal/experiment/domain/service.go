package domain

import (
	"context"
	"time"
)

type CreateRequest struct {
	OwnerID         string         `json:"owner_id"`
	VideoID         string         `json:"video_id"`
	Variants        []string       `json:"variants"`
	IntervalMinutes int64          `json:"interval_minutes"`
	StartsAt        *time.Time     `json:"starts_at,omitempty"`
	EndsAt          *time.Time     `json:"ends_at,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

type VariantResponse struct {
	ID               string     `json:"id"`
	Position         int        `json:"position"`
	Text             string     `json:"text"`
	Active           bool       `json:"active"`
	FirstActivatedAt *time.Time `json:"first_activated_at,omitempty"`
}

type Response struct {
	ID              string            `json:"id"`
	OwnerID         string            `json:"owner_id"`
	VideoID         string            `json:"video_id"`
	IntervalMinutes int64             `json:"interval_minutes"`
	Status          Status            `json:"status"`
	ActiveIndex     int               `json:"active_index"`
	ActiveSince     *time.Time        `json:"active_since,omitempty"`
	StartsAt        *time.Time        `json:"starts_at,omitempty"`
	EndsAt          *time.Time        `json:"ends_at,omitempty"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	CancelledAt     *time.Time        `json:"cancelled_at,omitempty"`
	PauseReason     PauseReason       `json:"pause_reason,omitempty"`
	PauseDetail     string            `json:"pause_detail,omitempty"`
	PausedAt        *time.Time        `json:"paused_at,omitempty"`
	Metadata        map[string]any    `json:"metadata,omitempty"`
	Variants        []VariantResponse `json:"variants"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

func NewResponse(e *Experiment) Response {
	variants := make([]VariantResponse, 0, len(e.Variants))
	for _, v := range e.Variants {
		variants = append(variants, VariantResponse{
			ID:               v.ID.String(),
			Position:         v.Position,
			Text:             v.Text,
			Active:           v.Active,
			FirstActivatedAt: v.FirstActivatedAt,
		})
	}
	return Response{
		ID:              e.ID.String(),
		OwnerID:         e.OwnerID,
		VideoID:         e.VideoID,
		IntervalMinutes: e.IntervalSeconds / 60,
		Status:          e.Status,
		ActiveIndex:     e.ActiveIndex,
		ActiveSince:     e.ActiveSince,
		StartsAt:        e.StartsAt,
		EndsAt:          e.EndsAt,
		StartedAt:       e.StartedAt,
		CompletedAt:     e.CompletedAt,
		CancelledAt:     e.CancelledAt,
		PauseReason:     e.PauseReason,
		PauseDetail:     e.PauseDetail,
		PausedAt:        e.PausedAt,
		Metadata:        e.Metadata,
		Variants:        variants,
		CreatedAt:       e.CreatedAt,
		UpdatedAt:       e.UpdatedAt,
	}
}

// TriggerResponse reports the result of an out-of-band rotation.
type TriggerResponse struct {
	Outcome    string   `json:"outcome"`
	Detail     string   `json:"detail,omitempty"`
	Experiment Response `json:"experiment"`
}

type VariantResult struct {
	VariantID              string  `json:"variant_id"`
	Position               int     `json:"position"`
	Text                   string  `json:"text"`
	Windows                int     `json:"windows"`
	Views                  int64   `json:"views"`
	Impressions            int64   `json:"impressions"`
	Clicks                 int64   `json:"clicks"`
	ClickThroughRate       float64 `json:"click_through_rate"`
	AvgViewDurationSeconds float64 `json:"avg_view_duration_seconds"`
}

type Results struct {
	ExperimentID string          `json:"experiment_id"`
	Status       Status          `json:"status"`
	Variants     []VariantResult `json:"variants"`
	// LeaderPosition is -1 until some variant has impressions.
	LeaderPosition int `json:"leader_position"`
}

type Service interface {
	Create(context.Context, CreateRequest) (Response, error)
	Get(context.Context, string) (Response, error)
	Start(context.Context, string) (Response, error)
	Pause(context.Context, string) (Response, error)
	Resume(context.Context, string) (Response, error)
	Cancel(context.Context, string) (Response, error)
	TriggerNow(context.Context, string) (TriggerResponse, error)
	Archive(context.Context, string) error
	RotationHistory(context.Context, string) ([]RotationLogEntry, error)
	Snapshots(context.Context, string) ([]AnalyticsSnapshot, error)
	Results(context.Context, string) (Results, error)
}
