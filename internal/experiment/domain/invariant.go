package domain

import "fmt"

// CheckInvariant verifies that exactly one variant is live iff the
// experiment is active, and that it sits at ActiveIndex.
func (e *Experiment) CheckInvariant() error {
	live := -1
	for i, v := range e.Variants {
		if !v.Active {
			continue
		}
		if live >= 0 {
			return fmt.Errorf("experiment %s: variants %d and %d both active", e.ID, live, i)
		}
		live = i
	}

	if e.Status != StatusActive {
		if live >= 0 {
			return fmt.Errorf("experiment %s: variant %d active while %s", e.ID, live, e.Status)
		}
		return nil
	}
	if live < 0 {
		return fmt.Errorf("experiment %s: active without a live variant", e.ID)
	}
	if live != e.ActiveIndex {
		return fmt.Errorf("experiment %s: live variant %d differs from active index %d", e.ID, live, e.ActiveIndex)
	}
	return nil
}
