package claims

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrBusy is returned when a lock could not be acquired within the wait
// window.
var ErrBusy = errors.New("claims: resource busy")

// DefaultLockWait bounds how long a claimer waits behind the current holder.
const DefaultLockWait = 10 * time.Second

// keyedLocks hands out one mutex per string key. Waiters block on the
// holder's channel instead of polling, so a release wakes the next waiter
// immediately.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
	wait  time.Duration
}

func newKeyedLocks(wait time.Duration) *keyedLocks {
	if wait <= 0 {
		wait = DefaultLockWait
	}
	return &keyedLocks{locks: map[string]chan struct{}{}, wait: wait}
}

// acquire takes the lock for key, waiting up to the configured bound.
// The returned release function must be called exactly once; releasing twice
// is a no-op.
func (k *keyedLocks) acquire(ctx context.Context, key string) (release func(), err error) {
	deadline := time.Now().Add(k.wait)
	for {
		k.mu.Lock()
		ch, held := k.locks[key]
		if !held {
			done := make(chan struct{})
			k.locks[key] = done
			k.mu.Unlock()

			var once sync.Once
			return func() {
				once.Do(func() {
					k.mu.Lock()
					delete(k.locks, key)
					k.mu.Unlock()
					close(done)
				})
			}, nil
		}
		k.mu.Unlock()

		remain := time.Until(deadline)
		if remain <= 0 {
			return nil, ErrBusy
		}
		timer := time.NewTimer(remain)
		select {
		case <-ch:
			timer.Stop()
			// Holder released; loop and race for the lock.
		case <-timer.C:
			return nil, ErrBusy
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}
