package redislocker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/usdb-labs/vaultd/internal/core/ports"
)

const (
	vaultLockKey = "vaultLock"

	DefaultLeaseTTL   = 30 * time.Second
	defaultRetryDelay = 50 * time.Millisecond
)

var (
	// releaseScript deletes the lease only if it's still held by the caller.
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)
	// refreshScript extends the lease only if it's still held by the caller.
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)
)

type Option func(*locker)

func WithLeaseTTL(ttl time.Duration) Option {
	return func(l *locker) {
		l.leaseTTL = ttl
	}
}

func WithRetryDelay(delay time.Duration) Option {
	return func(l *locker) {
		l.retryDelay = delay
	}
}

// locker holds per vault leases in redis so that several daemons sharing the
// same datastore never operate on the same vault at once. A held lease is
// refreshed in background until released.
type locker struct {
	rdb        *redis.Client
	leaseTTL   time.Duration
	retryDelay time.Duration
}

func NewVaultLocker(rdb *redis.Client, opts ...Option) ports.VaultLocker {
	l := &locker{
		rdb:        rdb,
		leaseTTL:   DefaultLeaseTTL,
		retryDelay: defaultRetryDelay,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *locker) Lock(ctx context.Context, vaultId uint64) (ports.UnlockFunc, error) {
	key := fmt.Sprintf("%s:%d", vaultLockKey, vaultId)
	token := uuid.New().String()

	for {
		ok, err := l.rdb.SetNX(ctx, key, token, l.leaseTTL).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ports.ErrVaultLocked
			}
			return nil, fmt.Errorf("failed to acquire lock for vault %d: %w", vaultId, err)
		}
		if ok {
			break
		}

		select {
		case <-time.After(l.retryDelay):
		case <-ctx.Done():
			return nil, ports.ErrVaultLocked
		}
	}

	stop := make(chan struct{})
	wg := &sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.keepAlive(key, token, stop)
	}()

	once := &sync.Once{}
	return func() {
		once.Do(func() {
			close(stop)
			wg.Wait()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, l.rdb, []string{key}, token).Err(); err != nil {
				log.WithError(err).Warnf("failed to release lock for vault %d", vaultId)
			}
		})
	}, nil
}

func (l *locker) Close() {
	if err := l.rdb.Close(); err != nil {
		log.WithError(err).Warn("failed to close redis client")
	}
}

func (l *locker) keepAlive(key, token string, stop <-chan struct{}) {
	ticker := time.NewTicker(l.leaseTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.leaseTTL/3)
			held, err := refreshScript.Run(
				ctx, l.rdb, []string{key}, token, l.leaseTTL.Milliseconds(),
			).Int()
			cancel()
			if err != nil {
				log.WithError(err).Warnf("failed to refresh lease %s", key)
				continue
			}
			if held == 0 {
				log.Warnf("lease %s expired before release", key)
				return
			}
		}
	}
}
