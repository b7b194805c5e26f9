package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smallbiznis/headliner/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type recordingPublisher struct {
	events []Event
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, event Event) error {
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("publish without deadline")
	}
	p.events = append(p.events, event)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

func TestEmitterFillsDefaults(t *testing.T) {
	pub := &recordingPublisher{}
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	e := NewEmitter(pub, clock.NewFakeClock(at), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e.Emit(ctx, Event{Type: TypeExperimentRotated, ExperimentID: 7})

	require.Len(t, pub.events, 1)
	assert.NotEmpty(t, pub.events[0].ID)
	assert.Equal(t, at, pub.events[0].OccurredAt)
}

func TestEmitterSwallowsPublishErrors(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	e := NewEmitter(&recordingPublisher{err: errors.New("broker down")}, clock.NewFakeClock(time.Now()), nil, zap.New(core))

	e.Emit(context.Background(), Event{Type: TypeExperimentPaused, ExperimentID: 7})
	assert.Equal(t, 1, logs.FilterMessage("event publish failed").Len())

	var nilEmitter *Emitter
	nilEmitter.Emit(context.Background(), Event{})
}

func TestNewKafkaPublisherValidates(t *testing.T) {
	_, err := NewKafkaPublisher(nil, "topic")
	assert.Error(t, err)
	_, err = NewKafkaPublisher([]string{"localhost:9092"}, "")
	assert.Error(t, err)

	p, err := NewKafkaPublisher([]string{"localhost:9092"}, "headliner.experiments")
	require.NoError(t, err)
	assert.NoError(t, p.Close())
}
