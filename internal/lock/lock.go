// Package lock provides short-lived per-order mutual exclusion around the
// mint critical section. Without it two callers can both observe a pending
// order and both submit a mint before either writes the outcome back.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrHeld is returned when the lock is already taken; the caller should
// treat the settlement as in progress and re-poll rather than retry.
var ErrHeld = errors.New("lock: already held")

// A Locker hands out exclusive leases keyed by order id. Leases expire on
// their own after the TTL so a crashed holder cannot wedge an order.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// LocalLocker is the single-instance backend: keyed in-process mutexes.
// The TTL is ignored; a lease lives until released or the process dies,
// which for a single instance amounts to the same guarantee.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]struct{})}
}

func (l *LocalLocker) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, taken := l.held[key]; taken {
		return nil, ErrHeld
	}
	l.held[key] = struct{}{}

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
	}, nil
}
