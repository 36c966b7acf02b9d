package pgdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/lib/pq"
	log "github.com/sirupsen/logrus"
	"github.com/usdb-labs/vaultd/internal/core/domain"
)

const (
	driverName = "postgres"
	maxRetries = 5
	retryDelay = 100 * time.Millisecond

	vaultColumns = `id, payment_address, ordinals_address, user_public_key,
	protocol_public_key, protocol_chain_code, vault_address, descriptor,
	collateral_sats, rune, fee_rate, mint_tokens, mint_usd_cents, created_at,
	txid, withdraw_txid, confirmations, min_confirmations, withdrawable,
	collateral_ratio_bps, health, last_btc_price_usd, using_fallback_price,
	updated_at`

	// https://www.postgresql.org/docs/current/errcodes-appendix.html
	invalidCatalogNameCode   = "3D000"
	uniqueViolationCode      = "23505"
	serializationFailureCode = "40001"
	deadlockDetectedCode     = "40P01"
)

// OpenDb opens the db at dsn and pings it. With autoCreate, a missing
// database is created first, which requires a URL-style dsn.
func OpenDb(dsn string, autoCreate bool) (*sql.DB, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres db: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = db.PingContext(ctx)
	if autoCreate && isMissingDatabase(err) {
		if err = createDatabase(ctx, dsn); err == nil {
			err = db.PingContext(ctx)
		}
	}
	if err != nil {
		// nolint:all
		db.Close()
		return nil, fmt.Errorf("unable to establish connection with db: %v", err)
	}
	return db, nil
}

func isMissingDatabase(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == invalidCatalogNameCode
}

// createDatabase connects to the server's default db and creates the one
// named in the dsn path.
func createDatabase(ctx context.Context, dsn string) error {
	u, err := url.Parse(dsn)
	if err != nil || (u.Scheme != "postgres" && u.Scheme != "postgresql") {
		return fmt.Errorf("cannot auto-create database unless the DSN uses URL format")
	}
	name := strings.TrimPrefix(u.Path, "/")
	if name == "" {
		return fmt.Errorf("cannot auto-create when database name is empty")
	}
	u.Path = ""

	root, err := sql.Open(driverName, u.String())
	if err != nil {
		return err
	}
	// nolint:all
	defer root.Close()

	log.WithField("db", name).Info("creating postgres database")
	_, err = root.ExecContext(ctx, "CREATE DATABASE "+pq.QuoteIdentifier(name))
	return err
}

// execTx runs txBody in a transaction, retrying serialization failures and
// deadlocks up to maxRetries times.
func execTx(ctx context.Context, db *sql.DB, txBody func(*sql.Tx) error) error {
	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err = runTx(ctx, db, txBody); !isConflictError(err) {
			return err
		}
	}
	return err
}

func runTx(ctx context.Context, db *sql.DB, txBody func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := txBody(tx); err != nil {
		//nolint:all
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func isConflictError(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == serializationFailureCode || pqErr.Code == deadlockDetectedCode
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolationCode
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
