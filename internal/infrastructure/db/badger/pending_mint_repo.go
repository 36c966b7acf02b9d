package badgerdb

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/timshannon/badgerhold/v4"
	"github.com/usdb-labs/vaultd/internal/core/domain"
)

const pendingMintStoreDir = "pending-mints"

type pendingMintRepository struct {
	store *badgerhold.Store
	lock  *sync.Mutex
}

func NewPendingMintRepository(config ...interface{}) (domain.PendingMintRepository, error) {
	store, err := openStore(pendingMintStoreDir, config...)
	if err != nil {
		return nil, fmt.Errorf("failed to open pending mint store: %s", err)
	}
	return &pendingMintRepository{store, &sync.Mutex{}}, nil
}

// Add replaces any pending mint already stored for the same vault.
func (r *pendingMintRepository) Add(ctx context.Context, mint domain.PendingMint) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	return withRetry(r.store, func(txn *badger.Txn) error {
		return r.store.TxUpsert(txn, mint.Vault.Id, &mint)
	})
}

func (r *pendingMintRepository) Get(
	ctx context.Context, vaultId uint64,
) (*domain.PendingMint, error) {
	var mint domain.PendingMint
	if err := r.store.Get(vaultId, &mint); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, domain.ErrPendingMintNotFound
		}
		return nil, fmt.Errorf("failed to get pending mint %d: %w", vaultId, err)
	}
	return &mint, nil
}

func (r *pendingMintRepository) Take(
	ctx context.Context, vaultId uint64,
) (*domain.PendingMint, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	var mint domain.PendingMint
	err := withRetry(r.store, func(txn *badger.Txn) error {
		mint = domain.PendingMint{}
		if err := r.store.TxGet(txn, vaultId, &mint); err != nil {
			if errors.Is(err, badgerhold.ErrNotFound) {
				return domain.ErrPendingMintNotFound
			}
			return err
		}
		return r.store.TxDelete(txn, vaultId, &domain.PendingMint{})
	})
	if err != nil {
		return nil, err
	}
	return &mint, nil
}

func (r *pendingMintRepository) MaxId(ctx context.Context) (uint64, error) {
	var mints []domain.PendingMint
	if err := r.store.Find(&mints, nil); err != nil {
		return 0, fmt.Errorf("failed to list pending mints: %w", err)
	}
	var maxId uint64
	for _, mint := range mints {
		maxId = max(maxId, mint.Vault.Id)
	}
	return maxId, nil
}

func (r *pendingMintRepository) Close() {
	// nolint:all
	r.store.Close()
}
