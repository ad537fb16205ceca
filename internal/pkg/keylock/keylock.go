// Package keylock 提供进程内按 key 粒度的互斥锁，获取等待有上限。
package keylock

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrTimeout = errors.New("keylock: timeout waiting for lock")

type entry struct {
	sem  chan struct{}
	refs int
}

// Locker 为每个 key 维护一个容量为 1 的信号量，没有等待者时回收。
type Locker struct {
	mu      sync.Mutex
	entries map[string]*entry
	timeout time.Duration
}

// New 创建 Locker。timeout <= 0 表示只受 context 约束。
func New(timeout time.Duration) *Locker {
	return &Locker{
		entries: make(map[string]*entry),
		timeout: timeout,
	}
}

// Lock 获取 key 上的锁，返回幂等的 unlock。
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	e := l.ref(key)

	var timeout <-chan time.Time
	if l.timeout > 0 {
		t := time.NewTimer(l.timeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case e.sem <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-e.sem
				l.unref(key, e)
			})
		}, nil
	case <-timeout:
		l.unref(key, e)
		return nil, ErrTimeout
	case <-ctx.Done():
		l.unref(key, e)
		return nil, ctx.Err()
	}
}

// Len 返回当前持有或等待中的 key 数量。
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Locker) ref(key string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	return e
}

func (l *Locker) unref(key string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}
