package wager

import (
	"context"
	"sync"
)

// KeyedLock serializes work per key. Waiters on the same key are granted the
// lock in arrival order; different keys never contend beyond the map access.
type KeyedLock struct {
	mu   sync.Mutex
	keys map[string]*keyQueue
}

type keyQueue struct {
	waiters []chan struct{}
}

func NewKeyedLock() *KeyedLock {
	return &KeyedLock{keys: make(map[string]*keyQueue)}
}

// Acquire blocks until key is held or ctx is done. The returned release func
// is safe to call more than once.
func (l *KeyedLock) Acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	q, held := l.keys[key]
	if !held {
		l.keys[key] = &keyQueue{}
		l.mu.Unlock()
		return l.releaser(key), nil
	}
	ch := make(chan struct{})
	q.waiters = append(q.waiters, ch)
	l.mu.Unlock()

	select {
	case <-ch:
		return l.releaser(key), nil
	case <-ctx.Done():
		l.mu.Lock()
		select {
		case <-ch:
			// Ownership was handed over while we were giving up; pass it on.
			l.mu.Unlock()
			l.release(key)
			return nil, ctx.Err()
		default:
		}
		for i, w := range q.waiters {
			if w == ch {
				q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
				break
			}
		}
		l.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (l *KeyedLock) releaser(key string) func() {
	var once sync.Once
	return func() { once.Do(func() { l.release(key) }) }
}

func (l *KeyedLock) release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	q, ok := l.keys[key]
	if !ok {
		return
	}
	if len(q.waiters) == 0 {
		delete(l.keys, key)
		return
	}
	next := q.waiters[0]
	q.waiters = q.waiters[1:]
	close(next)
}

// Held reports how many keys are currently locked.
func (l *KeyedLock) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}
