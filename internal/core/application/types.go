package application

import (
	"context"
	"time"

	"github.com/usdb-labs/vaultd/internal/core/domain"
)

type Service interface {
	Start() error
	Stop()
	GetInfo(ctx context.Context) (*ServiceInfo, error)
	BuildVaultDescriptor(
		ctx context.Context, protocolPublicKey, userPublicKey string,
	) (*VaultDescriptor, error)
	GetCollateralPreview(ctx context.Context) (*CollateralPreview, error)
	BuildMint(ctx context.Context, req MintRequest) (*MintResult, error)
	FinalizeMint(ctx context.Context, vaultId, signedPsbt string) (*domain.Vault, error)
	ImportVault(ctx context.Context, vaultId string) error
	GetVault(ctx context.Context, vaultId string) (*domain.Vault, error)
	ListVaults(ctx context.Context, paymentAddress string) ([]VaultSummary, error)
	RefreshVault(ctx context.Context, vaultId string) (*domain.Vault, error)
	PrepareWithdraw(ctx context.Context, vaultId, tx string) (*SignatureRequired, error)
	FinalizeWithdraw(ctx context.Context, req WithdrawRequest) (*WithdrawResult, error)
	SignAndFinalizeWithdraw(ctx context.Context, req WithdrawRequest) (*WithdrawResult, error)
}

type ServiceInfo struct {
	Network            string
	GuardianKey        string
	RecoveryKeyA       string
	RecoveryKeyB       string
	CollateralRatioBps uint32
	CollateralUsdCents uint64
	AtRiskThresholdBps uint32
	MinConfirmations   uint32
	FallbackPriceUsd   float64
}

// VaultDescriptor is the outcome of building the taproot tree of a vault.
type VaultDescriptor struct {
	Descriptor        string
	Address           string
	InternalKey       string
	ProtocolPublicKey string
	UserPublicKey     string
	OutputKey         string
	MerkleRoot        string
	RedeemScript      string
	RecoverScript     string
}

type CollateralPreview struct {
	BtcPriceUsd        float64
	Sats               uint64
	RatioBps           uint32
	UsdCents           uint64
	UsingFallbackPrice bool
}

type AmountOverrides struct {
	OrdinalsSats     *uint64
	FeeRecipientSats *uint64
	VaultSats        *uint64
}

type MintRequest struct {
	PaymentAddress   string
	PaymentPublicKey string
	OrdinalsAddress  string
	Rune             string
	FeeRate          float64
	FeeRecipient     string
	Amounts          AmountOverrides
}

type MintResult struct {
	VaultId            string
	Wallet             string
	Psbt               string
	VaultAddress       string
	Descriptor         string
	ProtocolPublicKey  string
	CollateralSats     uint64
	BtcPriceUsd        float64
	UsingFallbackPrice bool
}

type VaultSummary struct {
	VaultId             string
	VaultAddress        string
	PaymentAddress      string
	OrdinalsAddress     string
	CollateralSats      uint64
	LockedCollateralBtc float64
	MintTokens          uint64
	MintUsdCents        uint64
	CollateralRatioBps  *uint32
	Health              domain.Health
	Confirmations       uint32
	MinConfirmations    uint32
	Withdrawable        bool
	Txid                string
	WithdrawTxid        string
	CreatedAt           time.Time
}

// SignatureRequired is the payload the protocol signer must sign to
// authorize the spend of the vault input.
type SignatureRequired struct {
	VaultId      string
	InputIndex   int
	Sighash      string
	TapleafHash  string
	ControlBlock string
	MerkleRoot   string
	HashType     uint32
}

type WithdrawRequest struct {
	VaultId string
	// Tx is the funded withdrawal psbt, base64 or hex, or a raw transaction.
	Tx string
	// ProtocolSignature is optional, when empty it is looked up in the psbt.
	ProtocolSignature string
	Broadcast         bool
}

type WithdrawResult struct {
	// SignatureRequired is set when no protocol signature was supplied and
	// none is attached to the psbt.
	SignatureRequired *SignatureRequired
	VaultId           string
	Txid              string
	Hex               string
	Psbt              string
	Broadcasted       bool
}

func newVaultSummary(v domain.Vault) VaultSummary {
	return VaultSummary{
		VaultId:             v.IdString(),
		VaultAddress:        v.VaultAddress,
		PaymentAddress:      v.PaymentAddress,
		OrdinalsAddress:     v.OrdinalsAddress,
		CollateralSats:      v.CollateralSats,
		LockedCollateralBtc: v.LockedCollateralBtc(),
		MintTokens:          v.MintTokens,
		MintUsdCents:        v.MintUsdCents,
		CollateralRatioBps:  v.CollateralRatioBps,
		Health:              v.Health,
		Confirmations:       v.Confirmations,
		MinConfirmations:    v.MinConfirmations,
		Withdrawable:        v.Withdrawable,
		Txid:                v.Txid,
		WithdrawTxid:        v.WithdrawTxid,
		CreatedAt:           time.Unix(v.CreatedAt, 0),
	}
}
