package pgdb

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/usdb-labs/vaultd/internal/core/domain"
)

const (
	insertVaultQuery = `INSERT INTO vault (` + vaultColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
	$17, $18, $19, $20, $21, $22, $23, $24)`

	updateVaultQuery = `UPDATE vault SET
	payment_address = $2, ordinals_address = $3, user_public_key = $4,
	protocol_public_key = $5, protocol_chain_code = $6, vault_address = $7,
	descriptor = $8, collateral_sats = $9, rune = $10, fee_rate = $11,
	mint_tokens = $12, mint_usd_cents = $13, created_at = $14, txid = $15,
	withdraw_txid = $16, confirmations = $17, min_confirmations = $18,
	withdrawable = $19, collateral_ratio_bps = $20, health = $21,
	last_btc_price_usd = $22, using_fallback_price = $23, updated_at = $24
	WHERE id = $1`

	selectVaultQuery = `SELECT ` + vaultColumns + ` FROM vault WHERE id = $1`

	selectVaultForUpdateQuery = selectVaultQuery + ` FOR UPDATE`

	selectAllVaultsQuery = `SELECT ` + vaultColumns + ` FROM vault`

	selectVaultsByPaymentAddressQuery = `SELECT ` + vaultColumns + ` FROM vault
	WHERE LOWER(payment_address) = LOWER($1)`

	selectActiveVaultsQuery = `SELECT ` + vaultColumns + ` FROM vault
	WHERE txid <> '' AND withdraw_txid = ''`

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
	if _, err := r.db.ExecContext(ctx, insertVaultQuery, vaultArgs(vault)...); err != nil {
		if isUniqueViolation(err) {
			return domain.ErrVaultAlreadyExists
		}
		return fmt.Errorf("failed to insert vault: %w", err)
	}
	return nil
}

func (r *vaultRepository) Get(ctx context.Context, id uint64) (*domain.Vault, error) {
	return scanVault(r.db.QueryRowContext(ctx, selectVaultQuery, int64(id)))
}

// Update holds the row lock for the duration of fn.
func (r *vaultRepository) Update(
	ctx context.Context, id uint64, fn domain.VaultUpdateFunc,
) (*domain.Vault, error) {
	var vault *domain.Vault
	err := execTx(ctx, r.db, func(tx *sql.Tx) error {
		current, err := scanVault(tx.QueryRowContext(ctx, selectVaultForUpdateQuery, int64(id)))
		if err != nil {
			return err
		}
		if err := fn(current); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, updateVaultQuery, vaultArgs(*current)...); err != nil {
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

// maxId compares ids as unsigned, values above the int64 range are stored negative.
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
