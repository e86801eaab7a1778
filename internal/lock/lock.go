// Package lock provides the single-writer guard for the wallet: at most one
// cycle may hold it at a time. The in-process lock is a weighted semaphore; the
// Redis lock adds a cross-replica key on top of it.
package lock

import (
	"context"
	"sync"

	xerrors "StrongNet-Agent/internal/errors"

	"golang.org/x/sync/semaphore"
)

// Release 释放锁，可重复调用。
type Release func()

// Locker 是周期锁。TryAcquire 在锁被占用时立即返回 false，Acquire 等待到 ctx 结束。
type Locker interface {
	TryAcquire(ctx context.Context) (Release, bool, error)
	Acquire(ctx context.Context) (Release, error)
}

// Memory 是进程内的周期锁。
type Memory struct {
	sem *semaphore.Weighted
}

// NewMemory 创建进程内锁。
func NewMemory() *Memory {
	return &Memory{sem: semaphore.NewWeighted(1)}
}

// TryAcquire 不等待。
func (m *Memory) TryAcquire(context.Context) (Release, bool, error) {
	if !m.sem.TryAcquire(1) {
		return nil, false, nil
	}
	return m.release(), true, nil
}

// Acquire 等待锁或 ctx 结束。
func (m *Memory) Acquire(ctx context.Context) (Release, error) {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return nil, busy(err)
	}
	return m.release(), nil
}

func (m *Memory) release() Release {
	var once sync.Once
	return func() {
		once.Do(func() { m.sem.Release(1) })
	}
}

func busy(cause error) error {
	return xerrors.Wrap(xerrors.CodeCycleBusy, cause, "等待周期锁超时")
}
