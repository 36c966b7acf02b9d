package sqlitedb

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/usdb-labs/vaultd/internal/core/domain"
)

const (
	insertVaultQuery = `INSERT INTO vault (` + vaultColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	upsertVaultQuery = `INSERT OR REPLACE INTO vault (` + vaultColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	selectVaultQuery = `SELECT ` + vaultColumns + ` FROM vault WHERE id = ?`

	selectAllVaultsQuery = `SELECT ` + vaultColumns + ` FROM vault`

	selectVaultsByPaymentAddressQuery = `SELECT ` + vaultColumns + ` FROM vault
	WHERE payment_address = ? COLLATE NOCASE`

	selectActiveVaultsQuery = `SELECT ` + vaultColumns + ` FROM vault
	WHERE txid != '' AND withdraw_txid = ''`

	selectVaultIdsQuery = `SELECT id FROM vault`
)

type vaultRepository struct {
	db *sql.DB
}

func NewVaultRepository(config ...interface{}) (domain.VaultRepository, error) {
	if len(config) != 1 {
		return nil, fmt.Errorf("invalid config")
	}
	db, ok := config[0].(*sql.DB)
	if !ok {
		return nil, fmt.Errorf("cannot open vault repository: invalid config, expected db at 0")
	}

	return &vaultRepository{db}, nil
}

func (r *vaultRepository) Add(ctx context.Context, vault domain.Vault) error {
	return execTx(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, insertVaultQuery, vaultArgs(vault)...); err != nil {
			if isUniqueViolation(err) {
				return domain.ErrVaultAlreadyExists
			}
			return fmt.Errorf("failed to insert vault: %w", err)
		}
		return nil
	})
}

func (r *vaultRepository) Get(ctx context.Context, id uint64) (*domain.Vault, error) {
	return scanVault(r.db.QueryRowContext(ctx, selectVaultQuery, int64(id)))
}

func (r *vaultRepository) Update(
	ctx context.Context, id uint64, fn domain.VaultUpdateFunc,
) (*domain.Vault, error) {
	var vault *domain.Vault
	err := execTx(ctx, r.db, func(tx *sql.Tx) error {
		current, err := scanVault(tx.QueryRowContext(ctx, selectVaultQuery, int64(id)))
		if err != nil {
			return err
		}
		if err := fn(current); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, upsertVaultQuery, vaultArgs(*current)...); err != nil {
			return fmt.Errorf("failed to update vault: %w", err)
		}
		vault = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return vault, nil
}

func (r *vaultRepository) GetAll(ctx context.Context) ([]domain.Vault, error) {
	return r.query(ctx, selectAllVaultsQuery)
}

func (r *vaultRepository) GetByPaymentAddress(
	ctx context.Context, paymentAddress string,
) ([]domain.Vault, error) {
	return r.query(ctx, selectVaultsByPaymentAddressQuery, paymentAddress)
}

func (r *vaultRepository) GetActive(ctx context.Context) ([]domain.Vault, error) {
	return r.query(ctx, selectActiveVaultsQuery)
}

// MaxId compares ids as unsigned, values above the int64 range are stored negative.
func (r *vaultRepository) MaxId(ctx context.Context) (uint64, error) {
	return maxId(ctx, r.db, selectVaultIdsQuery)
}

func (r *vaultRepository) Close() {
	// nolint:all
	r.db.Close()
}

func (r *vaultRepository) query(
	ctx context.Context, query string, args ...any,
) ([]domain.Vault, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list vaults: %w", err)
	}
	// nolint:all
	defer rows.Close()

	vaults := make([]domain.Vault, 0)
	for rows.Next() {
		vault, err := scanVault(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan vault: %w", err)
		}
		vaults = append(vaults, *vault)
	}
	return vaults, rows.Err()
}

func maxId(ctx context.Context, db *sql.DB, query string) (uint64, error) {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to list ids: %w", err)
	}
	// nolint:all
	defer rows.Close()

	var result uint64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return 0, err
		}
		result = max(result, uint64(id))
	}
	return result, rows.Err()
}
