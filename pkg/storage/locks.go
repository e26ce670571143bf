package storage

import (
	"context"
	"sync"
)

// keyLocks is a set of context aware mutexes keyed by string.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[string]chan struct{})}
}

func (l *keyLocks) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[key] = ch
	}
	return ch
}

func (l *keyLocks) lock(ctx context.Context, key string) (func(), error) {
	ch := l.slot(key)
	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() { <-ch })
	}, nil
}
