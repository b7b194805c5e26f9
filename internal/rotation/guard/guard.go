// Package guard holds the lifecycle preconditions for experiment transitions.
package guard

import (
	"fmt"
	"time"

	experimentdomain "github.com/smallbiznis/headliner/internal/experiment/domain"
)

func transitionError(action string, status experimentdomain.Status) error {
	return fmt.Errorf("%w: cannot %s a %s experiment", experimentdomain.ErrInvalidTransition, action, status)
}

func EnsureCanStart(status experimentdomain.Status, variants int) error {
	if status != experimentdomain.StatusPending {
		return transitionError("start", status)
	}
	if variants < experimentdomain.MinVariants {
		return experimentdomain.ErrInvalidVariants
	}
	return nil
}

func EnsureCanPause(status experimentdomain.Status) error {
	if status != experimentdomain.StatusActive && status != experimentdomain.StatusPending {
		return transitionError("pause", status)
	}
	return nil
}

func EnsureCanResume(status experimentdomain.Status) error {
	if status != experimentdomain.StatusPaused {
		return transitionError("resume", status)
	}
	return nil
}

func EnsureCanCancel(status experimentdomain.Status) error {
	if status.IsTerminal() {
		return transitionError("cancel", status)
	}
	return nil
}

// EnsureEnded reports whether the end bound has been reached.
func EnsureEnded(status experimentdomain.Status, endsAt *time.Time, now time.Time) error {
	if status.IsTerminal() {
		return transitionError("expire", status)
	}
	if endsAt == nil || now.Before(*endsAt) {
		return fmt.Errorf("%w: end bound not reached", experimentdomain.ErrInvalidTransition)
	}
	return nil
}
