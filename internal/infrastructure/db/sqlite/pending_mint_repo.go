package sqlitedb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/usdb-labs/vaultd/internal/core/domain"
)

const (
	upsertPendingMintQuery = `INSERT OR REPLACE INTO pending_mint
	(vault_id, vault, wallet, psbt, btc_price_usd, created_at)
	VALUES (?, ?, ?, ?, ?, ?)`

	selectPendingMintQuery = `SELECT vault, wallet, psbt, btc_price_usd, created_at
	FROM pending_mint WHERE vault_id = ?`

	deletePendingMintQuery = `DELETE FROM pending_mint WHERE vault_id = ?`

	selectPendingMintIdsQuery = `SELECT vault_id FROM pending_mint`
)

type pendingMintRepository struct {
	db *sql.DB
}

func NewPendingMintRepository(config ...interface{}) (domain.PendingMintRepository, error) {
	if len(config) != 1 {
		return nil, fmt.Errorf("invalid config")
	}
	db, ok := config[0].(*sql.DB)
	if !ok {
		return nil, fmt.Errorf(
			"cannot open pending mint repository: invalid config, expected db at 0",
		)
	}

	return &pendingMintRepository{db}, nil
}

func (r *pendingMintRepository) Add(ctx context.Context, mint domain.PendingMint) error {
	vault, err := json.Marshal(mint.Vault)
	if err != nil {
		return fmt.Errorf("failed to encode vault: %w", err)
	}
	return execTx(ctx, r.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(
			ctx, upsertPendingMintQuery, int64(mint.Vault.Id), string(vault),
			mint.Wallet, mint.Psbt, mint.BtcPriceUsd, mint.CreatedAt,
		)
		return err
	})
}

func (r *pendingMintRepository) Get(
	ctx context.Context, vaultId uint64,
) (*domain.PendingMint, error) {
	return scanPendingMint(r.db.QueryRowContext(ctx, selectPendingMintQuery, int64(vaultId)))
}

func (r *pendingMintRepository) Take(
	ctx context.Context, vaultId uint64,
) (*domain.PendingMint, error) {
	var mint *domain.PendingMint
	err := execTx(ctx, r.db, func(tx *sql.Tx) error {
		var err error
		mint, err = scanPendingMint(
			tx.QueryRowContext(ctx, selectPendingMintQuery, int64(vaultId)),
		)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, deletePendingMintQuery, int64(vaultId))
		return err
	})
	if err != nil {
		return nil, err
	}
	return mint, nil
}

func (r *pendingMintRepository) MaxId(ctx context.Context) (uint64, error) {
	return maxId(ctx, r.db, selectPendingMintIdsQuery)
}

func (r *pendingMintRepository) Close() {
	// nolint:all
	r.db.Close()
}

func scanPendingMint(row rowScanner) (*domain.PendingMint, error) {
	var (
		mint  domain.PendingMint
		vault string
	)
	if err := row.Scan(
		&vault, &mint.Wallet, &mint.Psbt, &mint.BtcPriceUsd, &mint.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrPendingMintNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(vault), &mint.Vault); err != nil {
		return nil, fmt.Errorf("failed to decode pending vault: %w", err)
	}
	return &mint, nil
}
