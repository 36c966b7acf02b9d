package badgerdb

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/timshannon/badgerhold/v4"
	"github.com/usdb-labs/vaultd/internal/core/domain"
)

const vaultStoreDir = "vaults"

// writes are serialized in process, badger conflict detection covers the rest.
type vaultRepository struct {
	store *badgerhold.Store
	lock  *sync.Mutex
}

func NewVaultRepository(config ...interface{}) (domain.VaultRepository, error) {
	store, err := openStore(vaultStoreDir, config...)
	if err != nil {
		return nil, fmt.Errorf("failed to open vault store: %s", err)
	}
	return &vaultRepository{store, &sync.Mutex{}}, nil
}

func (r *vaultRepository) Add(ctx context.Context, vault domain.Vault) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	return withRetry(r.store, func(txn *badger.Txn) error {
		err := r.store.TxInsert(txn, vault.Id, &vault)
		if errors.Is(err, badgerhold.ErrKeyExists) {
			return domain.ErrVaultAlreadyExists
		}
		return err
	})
}

func (r *vaultRepository) Get(ctx context.Context, id uint64) (*domain.Vault, error) {
	var vault domain.Vault
	if err := r.store.Get(id, &vault); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, domain.ErrVaultNotFound
		}
		return nil, fmt.Errorf("failed to get vault %d: %w", id, err)
	}
	return &vault, nil
}

func (r *vaultRepository) Update(
	ctx context.Context, id uint64, fn domain.VaultUpdateFunc,
) (*domain.Vault, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	var vault domain.Vault
	err := withRetry(r.store, func(txn *badger.Txn) error {
		vault = domain.Vault{}
		if err := r.store.TxGet(txn, id, &vault); err != nil {
			if errors.Is(err, badgerhold.ErrNotFound) {
				return domain.ErrVaultNotFound
			}
			return err
		}
		if err := fn(&vault); err != nil {
			return err
		}
		return r.store.TxUpsert(txn, id, &vault)
	})
	if err != nil {
		return nil, err
	}
	return &vault, nil
}

func (r *vaultRepository) GetAll(ctx context.Context) ([]domain.Vault, error) {
	return r.find(nil)
}

func (r *vaultRepository) GetByPaymentAddress(
	ctx context.Context, paymentAddress string,
) ([]domain.Vault, error) {
	all, err := r.find(nil)
	if err != nil {
		return nil, err
	}
	vaults := make([]domain.Vault, 0)
	for _, vault := range all {
		if strings.EqualFold(vault.PaymentAddress, paymentAddress) {
			vaults = append(vaults, vault)
		}
	}
	return vaults, nil
}

func (r *vaultRepository) GetActive(ctx context.Context) ([]domain.Vault, error) {
	query := badgerhold.Where("Txid").Ne("").And("WithdrawTxid").Eq("")
	return r.find(query)
}

func (r *vaultRepository) MaxId(ctx context.Context) (uint64, error) {
	vaults, err := r.find(nil)
	if err != nil {
		return 0, err
	}
	var maxId uint64
	for _, vault := range vaults {
		maxId = max(maxId, vault.Id)
	}
	return maxId, nil
}

func (r *vaultRepository) Close() {
	// nolint:all
	r.store.Close()
}

func (r *vaultRepository) find(query *badgerhold.Query) ([]domain.Vault, error) {
	var vaults []domain.Vault
	if err := r.store.Find(&vaults, query); err != nil {
		return nil, fmt.Errorf("failed to list vaults: %w", err)
	}
	return vaults, nil
}

func openStore(subdir string, config ...interface{}) (*badgerhold.Store, error) {
	if len(config) != 2 {
		return nil, fmt.Errorf("invalid config")
	}
	baseDir, ok := config[0].(string)
	if !ok {
		return nil, fmt.Errorf("invalid base directory")
	}
	var logger badger.Logger
	if config[1] != nil {
		logger, ok = config[1].(badger.Logger)
		if !ok {
			return nil, fmt.Errorf("invalid logger")
		}
	}

	var dir string
	if len(baseDir) > 0 {
		dir = filepath.Join(baseDir, subdir)
	}
	return createDB(dir, logger)
}
