package ports

import "context"

type ProtocolKey struct {
	PublicKey string
	ChainCode string
}

// SignRequest is the payload handed to the threshold signer for the protocol
// half of a vault withdrawal.
type SignRequest struct {
	VaultId        uint64
	Sighash        []byte
	TapleafHash    []byte
	ControlBlock   []byte
	MerkleRoot     []byte
	DerivationPath [][]byte
}

type SignatureOracle interface {
	DeriveProtocolKey(ctx context.Context, vaultId uint64, path [][]byte) (*ProtocolKey, error)
	SignWithdrawal(ctx context.Context, req SignRequest) ([]byte, error)
}
