package rotation

import (
	"context"
	"sync"

	"github.com/bwmarrin/snowflake"
)

// keyedMutex serializes work per experiment. Waiting honours ctx.
type keyedMutex struct {
	mu    sync.Mutex
	slots map[snowflake.ID]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{slots: make(map[snowflake.ID]*slot)}
}

func (k *keyedMutex) Lock(ctx context.Context, id snowflake.ID) (func(), error) {
	k.mu.Lock()
	s, ok := k.slots[id]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		k.slots[id] = s
	}
	s.refs++
	k.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
		return func() { k.release(id, s) }, nil
	case <-ctx.Done():
		k.drop(id, s)
		return nil, ctx.Err()
	}
}

func (k *keyedMutex) release(id snowflake.ID, s *slot) {
	<-s.ch
	k.drop(id, s)
}

func (k *keyedMutex) drop(id snowflake.ID, s *slot) {
	k.mu.Lock()
	s.refs--
	if s.refs == 0 {
		delete(k.slots, id)
	}
	k.mu.Unlock()
}
