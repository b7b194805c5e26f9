package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/headliner/internal/clock"
	experimentdomain "github.com/smallbiznis/headliner/internal/experiment/domain"
	"github.com/smallbiznis/headliner/pkg/db"
	"gorm.io/gorm"
)

const experimentColumns = `id, owner_id, video_id, interval_seconds, status, active_index, active_since,
	starts_at, ends_at, started_at, completed_at, cancelled_at, pause_reason, pause_detail,
	paused_at, metadata, version, archived_at, created_at, updated_at`

type store struct {
	db    *gorm.DB
	clock clock.Clock
}

func Provide(conn *gorm.DB, clk clock.Clock) experimentdomain.Store {
	if clk == nil {
		clk = clock.New()
	}
	return &store{db: conn, clock: clk}
}

func (s *store) Create(ctx context.Context, exp *experimentdomain.Experiment) error {
	if exp == nil {
		return errors.New("experiment is required")
	}
	now := s.clock.Now().UTC()
	if exp.CreatedAt.IsZero() {
		exp.CreatedAt = now
	}
	exp.UpdatedAt = now
	if exp.Version == 0 {
		exp.Version = 1
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(
			`INSERT INTO experiments (`+experimentColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			exp.ID,
			exp.OwnerID,
			exp.VideoID,
			exp.IntervalSeconds,
			exp.Status,
			exp.ActiveIndex,
			exp.ActiveSince,
			exp.StartsAt,
			exp.EndsAt,
			exp.StartedAt,
			exp.CompletedAt,
			exp.CancelledAt,
			exp.PauseReason,
			exp.PauseDetail,
			exp.PausedAt,
			exp.Metadata,
			exp.Version,
			exp.ArchivedAt,
			exp.CreatedAt,
			exp.UpdatedAt,
		).Error; err != nil {
			return err
		}

		for i := range exp.Variants {
			v := &exp.Variants[i]
			v.ExperimentID = exp.ID
			if v.CreatedAt.IsZero() {
				v.CreatedAt = now
			}
			if err := tx.Exec(
				`INSERT INTO experiment_variants (id, experiment_id, position, text, active, first_activated_at, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				v.ID,
				v.ExperimentID,
				v.Position,
				v.Text,
				v.Active,
				v.FirstActivatedAt,
				v.CreatedAt,
			).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *store) Load(ctx context.Context, id snowflake.ID) (*experimentdomain.Experiment, error) {
	var rows []experimentdomain.Experiment
	if err := s.db.WithContext(ctx).Raw(
		`SELECT `+experimentColumns+` FROM experiments WHERE id = ?`,
		id,
	).Scan(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, experimentdomain.ErrNotFound
	}

	exp := rows[0]
	variants, err := s.variants(ctx, s.db, []snowflake.ID{exp.ID})
	if err != nil {
		return nil, err
	}
	exp.Variants = variants[exp.ID]
	return &exp, nil
}

func (s *store) Save(ctx context.Context, exp *experimentdomain.Experiment) error {
	now := s.clock.Now().UTC()
	if err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.save(ctx, tx, exp, now)
	}); err != nil {
		return err
	}
	exp.Version++
	exp.UpdatedAt = now
	return nil
}

func (s *store) SaveWithRotation(ctx context.Context, exp *experimentdomain.Experiment, entry experimentdomain.RotationLogEntry) error {
	now := s.clock.Now().UTC()
	if err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.save(ctx, tx, exp, now); err != nil {
			return err
		}
		return s.appendRotationLog(ctx, tx, entry)
	}); err != nil {
		return err
	}
	exp.Version++
	exp.UpdatedAt = now
	return nil
}

func (s *store) save(ctx context.Context, tx *gorm.DB, exp *experimentdomain.Experiment, now time.Time) error {
	result := tx.WithContext(ctx).Exec(
		`UPDATE experiments SET
			status = ?, active_index = ?, active_since = ?, starts_at = ?, ends_at = ?,
			started_at = ?, completed_at = ?, cancelled_at = ?, pause_reason = ?,
			pause_detail = ?, paused_at = ?, metadata = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		exp.Status,
		exp.ActiveIndex,
		exp.ActiveSince,
		exp.StartsAt,
		exp.EndsAt,
		exp.StartedAt,
		exp.CompletedAt,
		exp.CancelledAt,
		exp.PauseReason,
		exp.PauseDetail,
		exp.PausedAt,
		exp.Metadata,
		now,
		exp.ID,
		exp.Version,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := tx.WithContext(ctx).Raw(`SELECT COUNT(1) FROM experiments WHERE id = ?`, exp.ID).Scan(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return experimentdomain.ErrNotFound
		}
		return experimentdomain.ErrVersionConflict
	}

	for _, v := range exp.Variants {
		if err := tx.WithContext(ctx).Exec(
			`UPDATE experiment_variants SET active = ?, first_activated_at = ? WHERE id = ? AND experiment_id = ?`,
			v.Active,
			v.FirstActivatedAt,
			v.ID,
			exp.ID,
		).Error; err != nil {
			return err
		}
	}
	return nil
}

func (s *store) AppendRotationLog(ctx context.Context, entry experimentdomain.RotationLogEntry) error {
	return s.appendRotationLog(ctx, s.db, entry)
}

func (s *store) appendRotationLog(ctx context.Context, tx *gorm.DB, entry experimentdomain.RotationLogEntry) error {
	err := tx.WithContext(ctx).Exec(
		`INSERT INTO rotation_log (id, experiment_id, variant_id, position, sequence, text, activated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.ExperimentID,
		entry.VariantID,
		entry.Position,
		entry.Sequence,
		entry.Text,
		entry.ActivatedAt,
	).Error
	if db.IsDuplicateKeyErr(err) {
		return fmt.Errorf("rotation sequence %d already logged: %w", entry.Sequence, experimentdomain.ErrVersionConflict)
	}
	return err
}

func (s *store) AppendAnalyticsSnapshot(ctx context.Context, snapshot experimentdomain.AnalyticsSnapshot) error {
	return s.db.WithContext(ctx).Exec(
		`INSERT INTO analytics_snapshots (
			id, experiment_id, variant_id, position, polled_at, views, impressions, clicks,
			avg_view_duration_seconds, raw
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snapshot.ID,
		snapshot.ExperimentID,
		snapshot.VariantID,
		snapshot.Position,
		snapshot.PolledAt,
		snapshot.Views,
		snapshot.Impressions,
		snapshot.Clicks,
		snapshot.AvgViewDurationSeconds,
		snapshot.Raw,
	).Error
}

func (s *store) ListActive(ctx context.Context) ([]experimentdomain.Experiment, error) {
	return s.list(ctx,
		`SELECT `+experimentColumns+` FROM experiments
		WHERE status = ? AND archived_at IS NULL
		ORDER BY id ASC`,
		experimentdomain.StatusActive,
	)
}

func (s *store) ListDuePending(ctx context.Context, now time.Time) ([]experimentdomain.Experiment, error) {
	return s.list(ctx,
		`SELECT `+experimentColumns+` FROM experiments
		WHERE status = ? AND archived_at IS NULL
			AND (starts_at IS NULL OR starts_at <= ?)
			AND (ends_at IS NULL OR ends_at > ?)
		ORDER BY id ASC`,
		experimentdomain.StatusPending,
		now,
		now,
	)
}

func (s *store) ListEnded(ctx context.Context, now time.Time) ([]experimentdomain.Experiment, error) {
	return s.list(ctx,
		`SELECT `+experimentColumns+` FROM experiments
		WHERE status IN ? AND archived_at IS NULL
			AND ends_at IS NOT NULL AND ends_at <= ?
		ORDER BY id ASC`,
		[]experimentdomain.Status{
			experimentdomain.StatusPending,
			experimentdomain.StatusActive,
			experimentdomain.StatusPaused,
		},
		now,
	)
}

func (s *store) ListRotationLog(ctx context.Context, id snowflake.ID) ([]experimentdomain.RotationLogEntry, error) {
	var entries []experimentdomain.RotationLogEntry
	if err := s.db.WithContext(ctx).Raw(
		`SELECT id, experiment_id, variant_id, position, sequence, text, activated_at
		FROM rotation_log WHERE experiment_id = ? ORDER BY sequence ASC`,
		id,
	).Scan(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *store) ListSnapshots(ctx context.Context, id snowflake.ID) ([]experimentdomain.AnalyticsSnapshot, error) {
	var snapshots []experimentdomain.AnalyticsSnapshot
	if err := s.db.WithContext(ctx).Raw(
		`SELECT id, experiment_id, variant_id, position, polled_at, views, impressions, clicks,
			avg_view_duration_seconds, raw
		FROM analytics_snapshots WHERE experiment_id = ? ORDER BY polled_at ASC, id ASC`,
		id,
	).Scan(&snapshots).Error; err != nil {
		return nil, err
	}
	return snapshots, nil
}

func (s *store) Archive(ctx context.Context, id snowflake.ID, now time.Time) error {
	result := s.db.WithContext(ctx).Exec(
		`UPDATE experiments SET archived_at = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND status IN ? AND archived_at IS NULL`,
		now,
		now,
		id,
		[]experimentdomain.Status{experimentdomain.StatusCompleted, experimentdomain.StatusCancelled},
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}

	exp, err := s.Load(ctx, id)
	if err != nil {
		return err
	}
	if exp.ArchivedAt != nil {
		return experimentdomain.ErrArchived
	}
	return experimentdomain.ErrNotTerminal
}

func (s *store) list(ctx context.Context, query string, args ...any) ([]experimentdomain.Experiment, error) {
	var rows []experimentdomain.Experiment
	if err := s.db.WithContext(ctx).Raw(query, args...).Scan(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return rows, nil
	}

	ids := make([]snowflake.ID, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	variants, err := s.variants(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	for i := range rows {
		rows[i].Variants = variants[rows[i].ID]
	}
	return rows, nil
}

func (s *store) variants(ctx context.Context, tx *gorm.DB, ids []snowflake.ID) (map[snowflake.ID][]experimentdomain.Variant, error) {
	var rows []experimentdomain.Variant
	if err := tx.WithContext(ctx).Raw(
		`SELECT id, experiment_id, position, text, active, first_activated_at, created_at
		FROM experiment_variants WHERE experiment_id IN ? ORDER BY experiment_id ASC, position ASC`,
		ids,
	).Scan(&rows).Error; err != nil {
		return nil, err
	}

	out := make(map[snowflake.ID][]experimentdomain.Variant, len(ids))
	for _, row := range rows {
		out[row.ExperimentID] = append(out[row.ExperimentID], row)
	}
	return out, nil
}
