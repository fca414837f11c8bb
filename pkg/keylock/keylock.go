// Package keylock 进程内按 key 加锁，不同 key 之间互不阻塞。
package keylock

import (
	"context"
	"errors"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

var ErrTimeout = errors.New("keylock: wait timed out")

// slot 持有者与等待者都计入 refs，归零时从 map 中移除。
type slot struct {
	ch   chan struct{}
	refs int
}

type Map[K comparable] struct {
	slots *xsync.MapOf[K, *slot]
}

func New[K comparable]() *Map[K] {
	return &Map[K]{slots: xsync.NewMapOf[K, *slot]()}
}

// acquire 取出 key 对应的 slot 并加一次引用。refs 只在 Compute 内读写。
func (m *Map[K]) acquire(key K) *slot {
	s, _ := m.slots.Compute(key, func(old *slot, loaded bool) (*slot, bool) {
		if !loaded {
			old = &slot{ch: make(chan struct{}, 1)}
		}
		old.refs++
		return old, false
	})
	return s
}

func (m *Map[K]) release(key K) {
	m.slots.Compute(key, func(old *slot, loaded bool) (*slot, bool) {
		if !loaded {
			return old, true
		}
		old.refs--
		return old, old.refs <= 0
	})
}

func (m *Map[K]) unlocker(key K, s *slot) func() {
	return func() {
		<-s.ch
		m.release(key)
	}
}

// Lock 阻塞直到拿到锁、wait 超时或 ctx 结束。wait <= 0 时只等 ctx。
// 返回的 unlock 必须且只能调用一次。
func (m *Map[K]) Lock(ctx context.Context, key K, wait time.Duration) (func(), error) {
	s := m.acquire(key)

	select {
	case s.ch <- struct{}{}:
		return m.unlocker(key, s), nil
	default:
	}

	var timeout <-chan time.Time
	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case s.ch <- struct{}{}:
		return m.unlocker(key, s), nil
	case <-timeout:
		m.release(key)
		return nil, ErrTimeout
	case <-ctx.Done():
		m.release(key)
		return nil, ctx.Err()
	}
}

// TryLock 不等待。
func (m *Map[K]) TryLock(key K) (func(), bool) {
	s := m.acquire(key)
	select {
	case s.ch <- struct{}{}:
		return m.unlocker(key, s), true
	default:
		m.release(key)
		return nil, false
	}
}

// Len 当前被持有或有人等待的 key 数量。
func (m *Map[K]) Len() int {
	return m.slots.Size()
}
