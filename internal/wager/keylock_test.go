package wager

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedLock_Exclusive(t *testing.T) {
	l := NewKeyedLock()
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(context.Background(), "op:user")
			require.NoError(t, err)
			defer release()

			n := inside.Add(1)
			for {
				old := maxInside.Load()
				if n <= old || maxInside.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside.Load())
	assert.Equal(t, 0, l.Held())
}

func TestKeyedLock_FIFO(t *testing.T) {
	l := NewKeyedLock()
	release, err := l.Acquire(context.Background(), "k")
	require.NoError(t, err)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := l.Acquire(context.Background(), "k")
			require.NoError(t, err)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			r()
		}(i)
		// Let each waiter enqueue before the next one.
		require.Eventually(t, func() bool { return waiters(l, "k") == i+1 }, time.Second, time.Millisecond)
	}

	release()
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestKeyedLock_IndependentKeys(t *testing.T) {
	l := NewKeyedLock()
	r1, err := l.Acquire(context.Background(), "a")
	require.NoError(t, err)
	defer r1()

	done := make(chan struct{})
	go func() {
		r2, err := l.Acquire(context.Background(), "b")
		assert.NoError(t, err)
		r2()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("different keys must not block each other")
	}
}

func TestKeyedLock_ContextCancel(t *testing.T) {
	l := NewKeyedLock()
	release, err := l.Acquire(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, waiters(l, "k"))

	release()
	release() // idempotent

	r, err := l.Acquire(context.Background(), "k")
	require.NoError(t, err)
	r()
	assert.Equal(t, 0, l.Held())
}

func waiters(l *KeyedLock, key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if q, ok := l.keys[key]; ok {
		return len(q.waiters)
	}
	return 0
}
