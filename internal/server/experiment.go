package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	experimentdomain "github.com/smallbiznis/headliner/internal/experiment/domain"
	obscontext "github.com/smallbiznis/headliner/internal/observability/context"
)

type createExperimentRequest struct {
	OwnerID         string         `json:"owner_id"`
	VideoID         string         `json:"video_id"`
	Variants        []string       `json:"variants"`
	IntervalMinutes int64          `json:"interval_minutes"`
	StartsAt        *time.Time     `json:"starts_at"`
	EndsAt          *time.Time     `json:"ends_at"`
	Metadata        map[string]any `json:"metadata"`
}

func (s *Server) CreateExperiment(c *gin.Context) {
	var req createExperimentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	ownerID := strings.TrimSpace(req.OwnerID)
	ctx := obscontext.WithOwnerID(c.Request.Context(), ownerID)
	resp, err := s.experimentSvc.Create(ctx, experimentdomain.CreateRequest{
		OwnerID:         ownerID,
		VideoID:         strings.TrimSpace(req.VideoID),
		Variants:        req.Variants,
		IntervalMinutes: req.IntervalMinutes,
		StartsAt:        req.StartsAt,
		EndsAt:          req.EndsAt,
		Metadata:        req.Metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) GetExperiment(c *gin.Context) {
	s.experimentCommand(c, s.experimentSvc.Get)
}

func (s *Server) StartExperiment(c *gin.Context) {
	s.experimentCommand(c, s.experimentSvc.Start)
}

func (s *Server) PauseExperiment(c *gin.Context) {
	s.experimentCommand(c, s.experimentSvc.Pause)
}

func (s *Server) ResumeExperiment(c *gin.Context) {
	s.experimentCommand(c, s.experimentSvc.Resume)
}

func (s *Server) CancelExperiment(c *gin.Context) {
	s.experimentCommand(c, s.experimentSvc.Cancel)
}

func (s *Server) RotateExperiment(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	ctx := obscontext.WithExperimentID(c.Request.Context(), id)
	resp, err := s.experimentSvc.TriggerNow(ctx, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ArchiveExperiment(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	ctx := obscontext.WithExperimentID(c.Request.Context(), id)
	if err := s.experimentSvc.Archive(ctx, id); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) ListRotations(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	ctx := obscontext.WithExperimentID(c.Request.Context(), id)
	entries, err := s.experimentSvc.RotationHistory(ctx, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp := make([]rotationResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, rotationResponse{
			Sequence:    e.Sequence,
			VariantID:   e.VariantID.String(),
			Position:    e.Position,
			Text:        e.Text,
			ActivatedAt: e.ActivatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListSnapshots(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	ctx := obscontext.WithExperimentID(c.Request.Context(), id)
	snapshots, err := s.experimentSvc.Snapshots(ctx, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp := make([]snapshotResponse, 0, len(snapshots))
	for _, snap := range snapshots {
		resp = append(resp, snapshotResponse{
			ID:                     snap.ID.String(),
			VariantID:              snap.VariantID.String(),
			Position:               snap.Position,
			PolledAt:               snap.PolledAt,
			Views:                  snap.Views,
			Impressions:            snap.Impressions,
			Clicks:                 snap.Clicks,
			AvgViewDurationSeconds: snap.AvgViewDurationSeconds,
		})
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetResults(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	ctx := obscontext.WithExperimentID(c.Request.Context(), id)
	resp, err := s.experimentSvc.Results(ctx, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

type rotationResponse struct {
	Sequence    int64     `json:"sequence"`
	VariantID   string    `json:"variant_id"`
	Position    int       `json:"position"`
	Text        string    `json:"text"`
	ActivatedAt time.Time `json:"activated_at"`
}

type snapshotResponse struct {
	ID                     string    `json:"id"`
	VariantID              string    `json:"variant_id"`
	Position               int       `json:"position"`
	PolledAt               time.Time `json:"polled_at"`
	Views                  int64     `json:"views"`
	Impressions            int64     `json:"impressions"`
	Clicks                 int64     `json:"clicks"`
	AvgViewDurationSeconds float64   `json:"avg_view_duration_seconds"`
}

func (s *Server) experimentCommand(c *gin.Context, fn func(ctx context.Context, id string) (experimentdomain.Response, error)) {
	id := strings.TrimSpace(c.Param("id"))
	ctx := obscontext.WithExperimentID(c.Request.Context(), id)
	resp, err := fn(ctx, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
