package bot

import (
	"context"
	"sync"
)

// lockTable hands out one exclusive lock per bot id. The creation pipeline holds the
// lock for its whole run and Delete takes the same lock, so a teardown never races a
// pipeline that is still writing state.
type lockTable struct {
	mu   sync.Mutex
	held map[int64]chan struct{}
}

func newLockTable() *lockTable {
	return &lockTable{held: make(map[int64]chan struct{})}
}

// acquire blocks until the lock for id is free or ctx ends.
func (t *lockTable) acquire(ctx context.Context, id int64) (func(), error) {
	for {
		t.mu.Lock()
		ch, busy := t.held[id]
		if !busy {
			ch = make(chan struct{})
			t.held[id] = ch
			t.mu.Unlock()
			var once sync.Once
			return func() {
				once.Do(func() {
					t.mu.Lock()
					delete(t.held, id)
					t.mu.Unlock()
					close(ch)
				})
			}, nil
		}
		t.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (t *lockTable) isHeld(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.held[id]
	return ok
}

func (t *lockTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.held)
}
