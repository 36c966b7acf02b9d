package domain

import "context"

// VaultUpdateFunc mutates the current stored version of a vault. Returning an
// error aborts the update and leaves the record unchanged.
type VaultUpdateFunc func(vault *Vault) error

type VaultRepository interface {
	// Add stores a new vault, failing with ErrVaultAlreadyExists if the id is taken.
	Add(ctx context.Context, vault Vault) error
	// Get returns ErrVaultNotFound if no vault exists with the given id.
	Get(ctx context.Context, id uint64) (*Vault, error)
	// Update runs fn against the latest stored version of the vault and persists
	// the result atomically with respect to other updates of the same vault.
	Update(ctx context.Context, id uint64, fn VaultUpdateFunc) (*Vault, error)
	GetAll(ctx context.Context) ([]Vault, error)
	GetByPaymentAddress(ctx context.Context, paymentAddress string) ([]Vault, error)
	// GetActive returns the vaults with a mint txid and no withdraw txid.
	GetActive(ctx context.Context) ([]Vault, error)
	MaxId(ctx context.Context) (uint64, error)
	Close()
}

type PendingMintRepository interface {
	Add(ctx context.Context, mint PendingMint) error
	Get(ctx context.Context, vaultId uint64) (*PendingMint, error)
	// Take removes and returns the pending mint, ErrPendingMintNotFound if absent.
	Take(ctx context.Context, vaultId uint64) (*PendingMint, error)
	MaxId(ctx context.Context) (uint64, error)
	Close()
}
