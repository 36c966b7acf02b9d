package ports

import "github.com/usdb-labs/vaultd/internal/core/domain"

type RepoManager interface {
	Vaults() domain.VaultRepository
	PendingMints() domain.PendingMintRepository
	Close()
}
