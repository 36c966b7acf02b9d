package ports

import (
	"context"
	"errors"
)

var ErrVaultLocked = errors.New("vault is locked by another operation")

type UnlockFunc func()

// VaultLocker serializes operations on the same vault. Lock blocks until the
// lock is acquired or ctx is done, in which case it returns ErrVaultLocked.
type VaultLocker interface {
	Lock(ctx context.Context, vaultId uint64) (UnlockFunc, error)
	Close()
}
