package lock

import (
	"context"
	"sync"
	"time"
)

// LocalLocker is an in-process Locker for single-replica deployments and tests.
type LocalLocker struct {
	mu     sync.Mutex
	now    func() time.Time
	held   map[string]localEntry
	nextID uint64
}

type localEntry struct {
	id      uint64
	expires time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{now: time.Now, held: make(map[string]localEntry)}
}

func (l *LocalLocker) TryLock(_ context.Context, key string, ttl time.Duration) (Lease, bool, error) {
	if err := validate(key, ttl); err != nil {
		return nil, false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if entry, ok := l.held[key]; ok && now.Before(entry.expires) {
		return nil, false, nil
	}
	l.nextID++
	l.held[key] = localEntry{id: l.nextID, expires: now.Add(ttl)}
	return &localLease{locker: l, key: key, id: l.nextID}, true, nil
}

type localLease struct {
	locker *LocalLocker
	key    string
	id     uint64
}

func (r *localLease) Release(context.Context) error {
	r.locker.mu.Lock()
	defer r.locker.mu.Unlock()
	if entry, ok := r.locker.held[r.key]; ok && entry.id == r.id {
		delete(r.locker.held, r.key)
	}
	return nil
}
