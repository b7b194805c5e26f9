package guard

import (
	"testing"
	"time"

	experimentdomain "github.com/smallbiznis/headliner/internal/experiment/domain"
	"github.com/stretchr/testify/assert"
)

func TestTransitionGuards(t *testing.T) {
	assert.NoError(t, EnsureCanStart(experimentdomain.StatusPending, 2))
	assert.ErrorIs(t, EnsureCanStart(experimentdomain.StatusActive, 2), experimentdomain.ErrInvalidTransition)
	assert.ErrorIs(t, EnsureCanStart(experimentdomain.StatusPending, 1), experimentdomain.ErrInvalidVariants)

	assert.NoError(t, EnsureCanPause(experimentdomain.StatusActive))
	assert.NoError(t, EnsureCanPause(experimentdomain.StatusPending))
	assert.ErrorIs(t, EnsureCanPause(experimentdomain.StatusPaused), experimentdomain.ErrInvalidTransition)

	assert.NoError(t, EnsureCanResume(experimentdomain.StatusPaused))
	assert.ErrorIs(t, EnsureCanResume(experimentdomain.StatusActive), experimentdomain.ErrInvalidTransition)

	assert.NoError(t, EnsureCanCancel(experimentdomain.StatusPaused))
	assert.ErrorIs(t, EnsureCanCancel(experimentdomain.StatusCompleted), experimentdomain.ErrInvalidTransition)
}

func TestEnsureEnded(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	assert.NoError(t, EnsureEnded(experimentdomain.StatusActive, &past, now))
	assert.NoError(t, EnsureEnded(experimentdomain.StatusPaused, &now, now))
	assert.Error(t, EnsureEnded(experimentdomain.StatusActive, &future, now))
	assert.Error(t, EnsureEnded(experimentdomain.StatusActive, nil, now))
	assert.Error(t, EnsureEnded(experimentdomain.StatusCancelled, &past, now))
}
