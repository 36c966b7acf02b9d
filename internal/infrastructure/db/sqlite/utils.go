package sqlitedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/usdb-labs/vaultd/internal/core/domain"
	_ "modernc.org/sqlite"
)

const (
	driverName = "sqlite"
	maxRetries = 5
	retryDelay = 100 * time.Millisecond

	vaultColumns = `id, payment_address, ordinals_address, user_public_key,
	protocol_public_key, protocol_chain_code, vault_address, descriptor,
	collateral_sats, rune, fee_rate, mint_tokens, mint_usd_cents, created_at,
	txid, withdraw_txid, confirmations, min_confirmations, withdrawable,
	collateral_ratio_bps, health, last_btc_price_usd, using_fallback_price,
	updated_at`
)

// OpenDb opens the sqlite file at dbFile. All the access goes through a single
// connection, so transactions on the db are serialized.
func OpenDb(dbFile string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", dbFile)
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to db: %w", err)
	}
	return db, nil
}

// execTx runs txBody in a transaction, retrying while the db is busy.
func execTx(ctx context.Context, db *sql.DB, txBody func(*sql.Tx) error) (err error) {
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		var tx *sql.Tx
		if tx, err = db.BeginTx(ctx, nil); err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		if err = txBody(tx); err != nil {
			//nolint:all
			tx.Rollback()
		} else if err = tx.Commit(); err != nil {
			err = fmt.Errorf("failed to commit transaction: %w", err)
		}
		if !isConflictError(err) {
			return err
		}
	}
	return err
}

func isConflictError(err error) bool {
	if err == nil {
		return false
	}

	errMsg := strings.ToLower(err.Error())
	return strings.Contains(errMsg, "database is locked") ||
		strings.Contains(errMsg, "database table is locked") ||
		strings.Contains(errMsg, "busy")
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVault(row rowScanner) (*domain.Vault, error) {
	var (
		vault                           domain.Vault
		id                              int64
		collateral, tokens, usdCents    int64
		confirmations, minConfirmations int64
		ratio                           sql.NullInt64
		health                          string
	)
	if err := row.Scan(
		&id, &vault.PaymentAddress, &vault.OrdinalsAddress, &vault.UserPublicKey,
		&vault.ProtocolPublicKey, &vault.ProtocolChainCode, &vault.VaultAddress,
		&vault.Descriptor, &collateral, &vault.Rune, &vault.FeeRate, &tokens,
		&usdCents, &vault.CreatedAt, &vault.Txid, &vault.WithdrawTxid, &confirmations,
		&minConfirmations, &vault.Withdrawable, &ratio, &health,
		&vault.LastBtcPriceUsd, &vault.UsingFallbackPrice, &vault.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrVaultNotFound
		}
		return nil, err
	}

	vault.Id = uint64(id)
	vault.CollateralSats = uint64(collateral)
	vault.MintTokens = uint64(tokens)
	vault.MintUsdCents = uint64(usdCents)
	vault.Confirmations = uint32(confirmations)
	vault.MinConfirmations = uint32(minConfirmations)
	vault.Health = domain.Health(health)
	if ratio.Valid {
		bps := uint32(ratio.Int64)
		vault.CollateralRatioBps = &bps
	}
	return &vault, nil
}

func vaultArgs(vault domain.Vault) []any {
	var ratio sql.NullInt64
	if vault.CollateralRatioBps != nil {
		ratio = sql.NullInt64{Int64: int64(*vault.CollateralRatioBps), Valid: true}
	}
	return []any{
		int64(vault.Id), vault.PaymentAddress, vault.OrdinalsAddress, vault.UserPublicKey,
		vault.ProtocolPublicKey, vault.ProtocolChainCode, vault.VaultAddress,
		vault.Descriptor, int64(vault.CollateralSats), vault.Rune, vault.FeeRate,
		int64(vault.MintTokens), int64(vault.MintUsdCents), vault.CreatedAt, vault.Txid,
		vault.WithdrawTxid, int64(vault.Confirmations), int64(vault.MinConfirmations),
		vault.Withdrawable, ratio, vault.Health.String(), vault.LastBtcPriceUsd,
		vault.UsingFallbackPrice, vault.UpdatedAt,
	}
}
