package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeClockFiresDueTimersInOrder(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c := NewFakeClock(start)

	var fired []string
	c.Every(30*time.Minute, func() { fired = append(fired, "rotate@"+c.Now().Format("15:04")) })
	c.Every(20*time.Minute, func() { fired = append(fired, "poll@"+c.Now().Format("15:04")) })

	c.Advance(time.Hour)

	assert.Equal(t, []string{
		"poll@09:20",
		"rotate@09:30",
		"poll@09:40",
		"rotate@10:00",
		"poll@10:00",
	}, fired)
	assert.Equal(t, start.Add(time.Hour), c.Now())
}

func TestFakeClockStoppedTimerNeverFires(t *testing.T) {
	c := NewFakeClock(time.Unix(0, 0))
	count := 0
	timer := c.Every(time.Minute, func() { count++ })

	c.Advance(2 * time.Minute)
	timer.Stop()
	c.Advance(10 * time.Minute)

	assert.Equal(t, 2, count)
	assert.Equal(t, 0, c.ActiveTimers())
}

func TestFakeClockTimerCanStopItselfFromCallback(t *testing.T) {
	c := NewFakeClock(time.Unix(0, 0))
	count := 0
	var timer Timer
	timer = c.Every(time.Minute, func() {
		count++
		timer.Stop()
	})

	c.Advance(5 * time.Minute)

	assert.Equal(t, 1, count)
}

func TestSystemClockTimerStops(t *testing.T) {
	fired := make(chan struct{}, 16)
	timer := SystemClock{}.Every(5*time.Millisecond, func() { fired <- struct{}{} })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
	timer.Stop()
	timer.Stop()
}
