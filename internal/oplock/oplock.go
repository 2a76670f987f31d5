// Package oplock provides a keyed FIFO mutex. The hub uses it to serialize
// container-affecting work per drone: key "drone:<id>", or
// "drone-name:<name>" before an id exists.
package oplock

import (
	"context"
	"sync"
)

// Locker hands out per-key FIFO locks.
type Locker struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
}

// New creates an empty Locker.
func New() *Locker {
	return &Locker{tails: make(map[string]chan struct{})}
}

// DroneKey returns the canonical lock key for a drone id.
func DroneKey(id string) string {
	return "drone:" + id
}

// DroneNameKey returns the lock key used before a drone has an id.
func DroneNameKey(name string) string {
	return "drone-name:" + name
}

// WithLock queues fn behind prior holders of key and runs it once the lock is
// acquired. Waiters are served in FIFO order. If ctx is cancelled while
// queued, WithLock returns ctx.Err without running fn; the queue position is
// still consumed so later waiters are released in order.
func (l *Locker) WithLock(ctx context.Context, key string, fn func() error) error {
	ticket := make(chan struct{})

	l.mu.Lock()
	prev := l.tails[key]
	l.tails[key] = ticket
	l.mu.Unlock()

	release := func() {
		close(ticket)
		l.mu.Lock()
		if l.tails[key] == ticket {
			delete(l.tails, key)
		}
		l.mu.Unlock()
	}

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			// Hand the slot through once the predecessor finishes so
			// followers are not stranded.
			go func() {
				<-prev
				release()
			}()
			return ctx.Err()
		}
	}

	defer release()
	return fn()
}
