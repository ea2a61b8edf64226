package modem

import (
	"context"
	"sync"
)

// fifoLock 按到达顺序授予的互斥锁，等待方可通过 context 放弃
type fifoLock struct {
	mu      sync.Mutex
	held    bool
	waiters []chan struct{}
}

func (l *fifoLock) Lock(ctx context.Context) error {
	l.mu.Lock()
	if !l.held && len(l.waiters) == 0 {
		l.held = true
		l.mu.Unlock()
		return nil
	}
	ready := make(chan struct{})
	l.waiters = append(l.waiters, ready)
	l.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
	}

	l.mu.Lock()
	granted := false
	select {
	case <-ready:
		granted = true
	default:
		l.removeWaiter(ready)
	}
	l.mu.Unlock()

	// 取消与授予同时发生：锁已转交给我们，需要继续传递
	if granted {
		l.Unlock()
	}
	return ctx.Err()
}

// Unlock 直接把所有权交给队首等待者，held 保持为 true
func (l *fifoLock) Unlock() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.waiters) > 0 {
		next := l.waiters[0]
		l.waiters = l.waiters[1:]
		close(next)
		return
	}
	l.held = false
}

func (l *fifoLock) removeWaiter(target chan struct{}) {
	for i, w := range l.waiters {
		if w == target {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			return
		}
	}
}
