package conversation

import (
	"sync"

	"github.com/google/uuid"
)

// keyedLocks serializes queue mutation (append/drain/clear) per
// conversation. Cross-conversation operations stay fully parallel.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[uuid.UUID]*entryLock)}
}

func (k *keyedLocks) lock(id uuid.UUID) {
	k.mu.Lock()
	e, ok := k.locks[id]
	if !ok {
		e = &entryLock{}
		k.locks[id] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
}

func (k *keyedLocks) unlock(id uuid.UUID) {
	k.mu.Lock()
	e := k.locks[id]
	e.refs--
	if e.refs == 0 {
		delete(k.locks, id)
	}
	k.mu.Unlock()

	e.mu.Unlock()
}
