// Package quota budgets each owner's daily platform units.
package quota

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/headliner/internal/clock"
	"github.com/smallbiznis/headliner/internal/config"
)

var (
	ErrInvalidCost  = errors.New("invalid_quota_cost")
	ErrInvalidOwner = errors.New("invalid_owner")
)

const DefaultTimezone = "America/Los_Angeles"

// Reservation is the outcome of CheckAndReserve. Consumed is the day's
// total after the decision.
type Reservation struct {
	Admitted bool
	Consumed int64
	Limit    int64
}

type Status struct {
	OwnerID   string    `json:"owner_id"`
	DateKey   string    `json:"date_key"`
	Consumed  int64     `json:"consumed"`
	Limit     int64     `json:"limit"`
	Remaining int64     `json:"remaining"`
	ResetsAt  time.Time `json:"resets_at"`
}

// Ledger admits or denies a call by declared cost. Implementations are safe
// for concurrent use and never push consumed past the limit.
type Ledger interface {
	CheckAndReserve(ctx context.Context, ownerID string, cost int64) (Reservation, error)
	Status(ctx context.Context, ownerID string) (Status, error)
}

// window maps instants onto quota days in a fixed timezone.
type window struct {
	loc   *time.Location
	clock clock.Clock
}

func newWindow(cfg config.QuotaConfig, clk clock.Clock) (window, error) {
	tz := strings.TrimSpace(cfg.Timezone)
	if tz == "" {
		tz = DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return window{}, fmt.Errorf("quota timezone %q: %w", tz, err)
	}
	if clk == nil {
		clk = clock.New()
	}
	return window{loc: loc, clock: clk}, nil
}

// current returns today's date key and the instant it rolls over.
func (w window) current() (string, time.Time) {
	local := w.clock.Now().In(w.loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, w.loc)
	return local.Format("2006-01-02"), midnight.AddDate(0, 0, 1)
}

func validate(ownerID string, cost int64) error {
	if strings.TrimSpace(ownerID) == "" {
		return ErrInvalidOwner
	}
	if cost <= 0 {
		return ErrInvalidCost
	}
	return nil
}

func buildStatus(ownerID, key string, resetsAt time.Time, consumed, limit int64) Status {
	remaining := limit - consumed
	if remaining < 0 {
		remaining = 0
	}
	return Status{
		OwnerID:   ownerID,
		DateKey:   key,
		Consumed:  consumed,
		Limit:     limit,
		Remaining: remaining,
		ResetsAt:  resetsAt.UTC(),
	}
}
