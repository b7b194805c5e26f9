package quota

import (
	"context"
	"strings"
	"time"

	"github.com/smallbiznis/headliner/internal/clock"
	"github.com/smallbiznis/headliner/internal/config"
	"github.com/smallbiznis/headliner/pkg/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const reserveAttempts = 3

// DBLedger keeps counters in quota_counters and admits with one
// conditional UPDATE, so concurrent reservations cannot overshoot.
type DBLedger struct {
	db     *gorm.DB
	tuning *config.TuningHolder
	window window
	log    *zap.Logger
}

func NewDBLedger(conn *gorm.DB, tuning *config.TuningHolder, cfg config.QuotaConfig, clk clock.Clock, log *zap.Logger) (*DBLedger, error) {
	w, err := newWindow(cfg, clk)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &DBLedger{db: conn, tuning: tuning, window: w, log: log.Named("quota.db")}, nil
}

func (l *DBLedger) CheckAndReserve(ctx context.Context, ownerID string, cost int64) (Reservation, error) {
	if err := validate(ownerID, cost); err != nil {
		return Reservation{}, err
	}
	ownerID = strings.TrimSpace(ownerID)
	limit := l.tuning.Get().DailyQuotaUnits
	key, _ := l.window.current()
	now := l.window.clock.Now().UTC()

	var (
		res Reservation
		err error
	)
	for attempt := 1; attempt <= reserveAttempts; attempt++ {
		res, err = l.reserve(ctx, ownerID, key, cost, limit, now)
		if err == nil || !db.IsRetryableTxErr(err) {
			break
		}
		l.log.Debug("quota reservation retried", zap.String("owner_id", ownerID), zap.Int("attempt", attempt), zap.Error(err))
	}
	if err != nil {
		return Reservation{}, err
	}

	if !res.Admitted {
		l.log.Debug("quota reservation denied",
			zap.String("owner_id", ownerID),
			zap.Int64("cost", cost),
			zap.Int64("consumed", res.Consumed),
			zap.Int64("limit", limit),
		)
	}
	return res, nil
}

// reserve runs one admission attempt in its own transaction.
func (l *DBLedger) reserve(ctx context.Context, ownerID, key string, cost, limit int64, now time.Time) (Reservation, error) {
	var res Reservation
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&Counter{
			OwnerID:   ownerID,
			DateKey:   key,
			Consumed:  0,
			UpdatedAt: now,
		}).Error; err != nil {
			return err
		}

		result := tx.Exec(
			`UPDATE quota_counters SET consumed = consumed + ?, updated_at = ?
			WHERE owner_id = ? AND date_key = ? AND consumed + ? <= ?`,
			cost,
			now,
			ownerID,
			key,
			cost,
			limit,
		)
		if result.Error != nil {
			return result.Error
		}

		consumed, err := l.consumed(ctx, tx, ownerID, key)
		if err != nil {
			return err
		}
		res = Reservation{Admitted: result.RowsAffected == 1, Consumed: consumed, Limit: limit}
		return nil
	})
	return res, err
}

func (l *DBLedger) Status(ctx context.Context, ownerID string) (Status, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return Status{}, ErrInvalidOwner
	}
	key, resetsAt := l.window.current()
	consumed, err := l.consumed(ctx, l.db.WithContext(ctx), ownerID, key)
	if err != nil {
		return Status{}, err
	}
	return buildStatus(ownerID, key, resetsAt, consumed, l.tuning.Get().DailyQuotaUnits), nil
}

func (l *DBLedger) consumed(ctx context.Context, tx *gorm.DB, ownerID, key string) (int64, error) {
	var rows []int64
	if err := tx.WithContext(ctx).Raw(
		`SELECT consumed FROM quota_counters WHERE owner_id = ? AND date_key = ?`,
		ownerID,
		key,
	).Scan(&rows).Error; err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return rows[0], nil
}
