package inmemorylocker

import (
	"context"
	"sync"

	"github.com/usdb-labs/vaultd/internal/core/ports"
)

// vaultLock is a single slot semaphore, refs counts holders and waiters so
// that idle entries can be dropped.
type vaultLock struct {
	ch   chan struct{}
	refs int
}

type locker struct {
	lock   sync.Mutex
	vaults map[uint64]*vaultLock
}

func NewVaultLocker() ports.VaultLocker {
	return &locker{
		vaults: make(map[uint64]*vaultLock),
	}
}

func (l *locker) Lock(ctx context.Context, vaultId uint64) (ports.UnlockFunc, error) {
	vl := l.acquireRef(vaultId)

	select {
	case vl.ch <- struct{}{}:
	case <-ctx.Done():
		l.releaseRef(vaultId)
		return nil, ports.ErrVaultLocked
	}

	once := &sync.Once{}
	return func() {
		once.Do(func() {
			<-vl.ch
			l.releaseRef(vaultId)
		})
	}, nil
}

func (l *locker) Close() {}

func (l *locker) acquireRef(vaultId uint64) *vaultLock {
	l.lock.Lock()
	defer l.lock.Unlock()

	vl, ok := l.vaults[vaultId]
	if !ok {
		vl = &vaultLock{ch: make(chan struct{}, 1)}
		l.vaults[vaultId] = vl
	}
	vl.refs++
	return vl
}

func (l *locker) releaseRef(vaultId uint64) {
	l.lock.Lock()
	defer l.lock.Unlock()

	vl, ok := l.vaults[vaultId]
	if !ok {
		return
	}
	vl.refs--
	if vl.refs <= 0 {
		delete(l.vaults, vaultId)
	}
}
