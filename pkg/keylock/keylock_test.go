package keylock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLockSerializesSameKey(t *testing.T) {
	m := New[uint]()
	var inside, maxInside int32
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := m.Lock(context.Background(), 7, time.Second)
			if err != nil {
				t.Error(err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				cur := atomic.LoadInt32(&maxInside)
				if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
					break
				}
			}
			time.Sleep(100 * time.Microsecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), maxInside)
	require.Equal(t, 0, m.Len())
}

func TestDifferentKeysDoNotContend(t *testing.T) {
	m := New[string]()
	unlockA, err := m.Lock(context.Background(), "a", 10*time.Millisecond)
	require.NoError(t, err)
	defer unlockA()

	unlockB, err := m.Lock(context.Background(), "b", 10*time.Millisecond)
	require.NoError(t, err)
	unlockB()
}

func TestLockTimeout(t *testing.T) {
	m := New[string]()
	unlock, err := m.Lock(context.Background(), "k", 0)
	require.NoError(t, err)
	defer unlock()

	_, err = m.Lock(context.Background(), "k", 20*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)

	_, ok := m.TryLock("k")
	require.False(t, ok)
}

func TestLockContextCancel(t *testing.T) {
	m := New[string]()
	unlock, err := m.Lock(context.Background(), "k", 0)
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Lock(ctx, "k", 0)
	require.ErrorIs(t, err, context.Canceled)
}

func TestUnlockAllowsNextHolder(t *testing.T) {
	m := New[int]()
	unlock, ok := m.TryLock(1)
	require.True(t, ok)
	unlock()

	unlock, ok = m.TryLock(1)
	require.True(t, ok)
	unlock()
}

func TestIdleKeysAreEvicted(t *testing.T) {
	m := New[uint]()

	// 每个拍卖只锁一次，结束后不应残留
	for id := uint(1); id <= 1000; id++ {
		unlock, err := m.Lock(context.Background(), id, time.Second)
		require.NoError(t, err)
		unlock()
	}
	require.Equal(t, 0, m.Len())

	unlock, err := m.Lock(context.Background(), 1, 0)
	require.NoError(t, err)
	require.Equal(t, 1, m.Len())

	_, err = m.Lock(context.Background(), 1, 5*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	_, ok := m.TryLock(1)
	require.False(t, ok)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Lock(ctx, 1, 0)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, m.Len())

	unlock()
	require.Equal(t, 0, m.Len())
}

func TestWaiterKeepsSlotAcrossUnlock(t *testing.T) {
	m := New[string]()
	unlock, err := m.Lock(context.Background(), "k", 0)
	require.NoError(t, err)

	got := make(chan func(), 1)
	go func() {
		u, err := m.Lock(context.Background(), "k", time.Second)
		if err != nil {
			t.Error(err)
			close(got)
			return
		}
		got <- u
	}()

	// 等待者已经计入引用
	require.Eventually(t, func() bool {
		refs := 0
		m.slots.Compute("k", func(old *slot, loaded bool) (*slot, bool) {
			if !loaded {
				return old, true
			}
			refs = old.refs
			return old, false
		})
		return refs == 2
	}, time.Second, time.Millisecond)

	unlock()
	u, ok := <-got
	require.True(t, ok)
	require.Equal(t, 1, m.Len())

	// 等待者拿到锁时，新来的请求仍然互斥
	_, locked := m.TryLock("k")
	require.False(t, locked)

	u()
	require.Equal(t, 0, m.Len())
}
