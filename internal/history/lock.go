package history

import (
	"context"
	"sync"
)

// Locker serialises revision assignment per entity.
type Locker interface {
	// Lock blocks until key is held or ctx is done. The returned func releases the lock and is
	// safe to call more than once.
	Lock(ctx context.Context, key string) (func(), error)
}

// LockKey returns the lock key of an entity.
func LockKey(model, foreignKey string) string {
	return "model_history:" + model + ":" + foreignKey
}

// KeyedMutex is an in-process Locker. It only serialises writers within one process; run a
// shared Locker when several instances write to the same store.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex returns an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock implements Locker.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	if m.locks == nil {
		m.locks = make(map[string]*keyedLock)
	}
	l, ok := m.locks[key]
	if !ok {
		l = &keyedLock{ch: make(chan struct{}, 1)}
		m.locks[key] = l
	}
	l.refs++
	m.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-l.ch
				m.release(key, l)
			})
		}, nil
	case <-ctx.Done():
		m.release(key, l)
		return nil, ctx.Err()
	}
}

func (m *KeyedMutex) release(key string, l *keyedLock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, key)
	}
}
