package inmemory

import (
	"context"
	"sync"

	"github.com/mossida/midday/internal/store"
)

// Locker is a process-local store.Locker.
type Locker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocker creates a Locker with no keys held.
func NewLocker() *Locker {
	return &Locker{held: make(map[string]struct{})}
}

// TryLock implements store.Locker.
func (l *Locker) TryLock(ctx context.Context, key string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[key]; ok {
		return nil, false, nil
	}
	l.held[key] = struct{}{}

	var once sync.Once
	release := func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}
	return release, true, nil
}

var _ store.Locker = (*Locker)(nil)
