package service

import (
	"context"
	"sync"
)

// meterLocks serializes work per meter number. Entries are dropped once no
// goroutine holds or waits for them.
type meterLocks struct {
	mu    sync.Mutex
	locks map[string]*meterLock
}

type meterLock struct {
	sem  chan struct{}
	refs int
}

func newMeterLocks() *meterLocks {
	return &meterLocks{locks: make(map[string]*meterLock)}
}

// acquire blocks until the meter is free or ctx is done. The returned func
// releases the lock and must be called exactly once.
func (l *meterLocks) acquire(ctx context.Context, meter string) (func(), error) {
	l.mu.Lock()
	ml, ok := l.locks[meter]
	if !ok {
		ml = &meterLock{sem: make(chan struct{}, 1)}
		l.locks[meter] = ml
	}
	ml.refs++
	l.mu.Unlock()

	select {
	case ml.sem <- struct{}{}:
	case <-ctx.Done():
		l.unref(meter, ml)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-ml.sem
			l.unref(meter, ml)
		})
	}, nil
}

func (l *meterLocks) unref(meter string, ml *meterLock) {
	l.mu.Lock()
	ml.refs--
	if ml.refs == 0 {
		delete(l.locks, meter)
	}
	l.mu.Unlock()
}

func (l *meterLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
