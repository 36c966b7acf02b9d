package locker_test

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/usdb-labs/vaultd/internal/core/ports"
	inmemorylocker "github.com/usdb-labs/vaultd/internal/infrastructure/locker/inmemory"
	redislocker "github.com/usdb-labs/vaultd/internal/infrastructure/locker/redis"
)

func TestVaultLockerImplementations(t *testing.T) {
	lockers := []struct {
		name   string
		locker ports.VaultLocker
	}{
		{"inmemory", inmemorylocker.NewVaultLocker()},
	}

	// redis runs only against a live instance
	if redisUrl := os.Getenv("VAULTD_TEST_REDIS_URL"); redisUrl != "" {
		redisOpts, err := redis.ParseURL(redisUrl)
		require.NoError(t, err)
		lockers = append(lockers, struct {
			name   string
			locker ports.VaultLocker
		}{
			"redis", redislocker.NewVaultLocker(
				redis.NewClient(redisOpts),
				redislocker.WithLeaseTTL(time.Second),
				redislocker.WithRetryDelay(5*time.Millisecond),
			),
		})
	}

	for _, tt := range lockers {
		t.Run(tt.name, func(t *testing.T) {
			t.Cleanup(tt.locker.Close)
			runVaultLockerTests(t, tt.locker)
		})
	}
}

func runVaultLockerTests(t *testing.T, locker ports.VaultLocker) {
	// high ids keep runs against a shared redis apart
	vaultId := uint64(time.Now().UnixNano())

	t.Run("lock and unlock", func(t *testing.T) {
		unlock, err := locker.Lock(t.Context(), vaultId)
		require.NoError(t, err)
		unlock()
		// releasing twice is a no-op
		unlock()

		unlock, err = locker.Lock(t.Context(), vaultId)
		require.NoError(t, err)
		unlock()
	})

	t.Run("held lock times out", func(t *testing.T) {
		unlock, err := locker.Lock(t.Context(), vaultId)
		require.NoError(t, err)
		defer unlock()

		ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
		defer cancel()
		_, err = locker.Lock(ctx, vaultId)
		require.ErrorIs(t, err, ports.ErrVaultLocked)

		// other vaults are not affected
		other, err := locker.Lock(t.Context(), vaultId+1)
		require.NoError(t, err)
		other()
	})

	t.Run("waiter acquires after release", func(t *testing.T) {
		unlock, err := locker.Lock(t.Context(), vaultId)
		require.NoError(t, err)

		acquired := make(chan struct{})
		go func() {
			next, err := locker.Lock(t.Context(), vaultId)
			if err == nil {
				next()
			}
			close(acquired)
		}()

		select {
		case <-acquired:
			t.Fatal("lock acquired while held")
		case <-time.After(50 * time.Millisecond):
		}

		unlock()
		select {
		case <-acquired:
		case <-time.After(2 * time.Second):
			t.Fatal("waiter never acquired the lock")
		}
	})

	t.Run("mutual exclusion", func(t *testing.T) {
		var inside, maxInside atomic.Int32
		wg := &sync.WaitGroup{}
		for range 10 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				unlock, err := locker.Lock(t.Context(), vaultId)
				require.NoError(t, err)
				defer unlock()

				n := inside.Add(1)
				for {
					cur := maxInside.Load()
					if n <= cur || maxInside.CompareAndSwap(cur, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				inside.Add(-1)
			}()
		}
		wg.Wait()
		require.Equal(t, int32(1), maxInside.Load())
	})
}
