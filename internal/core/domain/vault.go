package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	DefaultMinConfirmations = 6
	DefaultMintTokens       = 10
	DefaultMintUsdCents     = 1000

	satsPerBtc = 100_000_000
)

var (
	ErrVaultNotFound         = errors.New("vault not found")
	ErrVaultAlreadyExists    = errors.New("vault already exists")
	ErrVaultAlreadyWithdrawn = errors.New("vault already withdrawn")
	ErrPendingMintNotFound   = errors.New("pending mint not found")
)

type Health string

const (
	HealthPending   Health = "pending"
	HealthConfirmed Health = "confirmed"
	HealthAtRisk    Health = "at_risk"
	HealthWithdrawn Health = "withdrawn"
)

func (h Health) String() string {
	return string(h)
}

// Vault is a ledger entry tracking one collateral lock and its lifecycle.
type Vault struct {
	Id                 uint64
	PaymentAddress     string
	OrdinalsAddress    string
	UserPublicKey      string
	ProtocolPublicKey  string
	ProtocolChainCode  string
	VaultAddress       string
	Descriptor         string
	CollateralSats     uint64
	Rune               string
	FeeRate            float64
	MintTokens         uint64
	MintUsdCents       uint64
	CreatedAt          int64
	Txid               string
	WithdrawTxid       string
	Confirmations      uint32
	MinConfirmations   uint32
	Withdrawable       bool
	CollateralRatioBps *uint32
	Health             Health
	LastBtcPriceUsd    float64
	UsingFallbackPrice bool
	UpdatedAt          int64
}

// ParseVaultId parses the decimal representation of a vault id.
func ParseVaultId(id string) (uint64, error) {
	id = strings.TrimSpace(id)
	vaultId, err := strconv.ParseUint(id, 10, 64)
	if err != nil || vaultId == 0 {
		return 0, fmt.Errorf("invalid vault id %q", id)
	}
	return vaultId, nil
}

func (v Vault) IdString() string {
	return strconv.FormatUint(v.Id, 10)
}

func (v Vault) String() string {
	// nolint
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}

func (v Vault) IsWithdrawn() bool {
	return v.WithdrawTxid != ""
}

func (v Vault) IsMinted() bool {
	return v.Txid != ""
}

func (v Vault) LockedCollateralBtc() float64 {
	return float64(v.CollateralSats) / satsPerBtc
}

// CollateralUsd is the value of the locked collateral at the given BTC/USD price.
func (v Vault) CollateralUsd(price float64) float64 {
	return v.LockedCollateralBtc() * price
}

// RatioBps returns round(collateralUsd / mintedUsd * 10000), nil when nothing was minted.
func (v Vault) RatioBps(price float64) *uint32 {
	if v.MintUsdCents == 0 || price <= 0 {
		return nil
	}
	collateralUsd := decimal.NewFromInt(int64(v.CollateralSats)).
		Div(decimal.NewFromInt(satsPerBtc)).
		Mul(decimal.NewFromFloat(price))
	mintedUsd := decimal.NewFromInt(int64(v.MintUsdCents)).Div(decimal.NewFromInt(100))

	ratio := collateralUsd.Div(mintedUsd).Mul(decimal.NewFromInt(10_000)).Round(0)
	if ratio.GreaterThan(decimal.NewFromInt(math.MaxUint32)) {
		ratio = decimal.NewFromInt(math.MaxUint32)
	}
	bps := uint32(ratio.IntPart())
	return &bps
}

// HealthReport is the outcome of probing the chain and the price feed for a vault.
type HealthReport struct {
	Confirmations      uint32
	BtcPriceUsd        float64
	UsingFallbackPrice bool
}

// ApplyHealth recomputes the derived fields of the vault from the report and
// returns whether the health classification changed. Withdrawn vaults are left untouched.
func (v *Vault) ApplyHealth(report HealthReport, atRiskThresholdBps uint32) (bool, error) {
	if v.IsWithdrawn() {
		return false, ErrVaultAlreadyWithdrawn
	}

	prev := v.Health

	v.Confirmations = report.Confirmations
	if report.BtcPriceUsd > 0 {
		v.LastBtcPriceUsd = report.BtcPriceUsd
	}
	v.UsingFallbackPrice = report.UsingFallbackPrice
	v.CollateralRatioBps = v.RatioBps(v.LastBtcPriceUsd)
	v.Withdrawable = v.Confirmations >= v.MinConfirmations

	switch {
	case v.CollateralRatioBps != nil && *v.CollateralRatioBps < atRiskThresholdBps:
		v.Health = HealthAtRisk
	case v.Withdrawable:
		v.Health = HealthConfirmed
	default:
		v.Health = HealthPending
	}
	v.UpdatedAt = time.Now().Unix()

	return prev != v.Health, nil
}

// MarkWithdrawn records the withdrawal txid. Repeating it with the same txid is a no-op.
func (v *Vault) MarkWithdrawn(txid string) error {
	if txid == "" {
		return fmt.Errorf("missing withdraw txid")
	}
	if v.IsWithdrawn() {
		if v.WithdrawTxid == txid {
			return nil
		}
		return ErrVaultAlreadyWithdrawn
	}
	v.WithdrawTxid = txid
	v.Withdrawable = false
	v.Health = HealthWithdrawn
	v.UpdatedAt = time.Now().Unix()
	return nil
}

// PendingMint is a vault whose funding psbt was built but not broadcast yet.
type PendingMint struct {
	Vault       Vault
	Wallet      string
	Psbt        string
	BtcPriceUsd float64
	CreatedAt   int64
}

// Finalize turns the pending mint into a ledger entry for the broadcast mint tx.
func (p PendingMint) Finalize(txid string) Vault {
	vault := p.Vault
	vault.Txid = txid
	vault.WithdrawTxid = ""
	vault.Confirmations = 0
	if vault.MinConfirmations == 0 {
		vault.MinConfirmations = DefaultMinConfirmations
	}
	if vault.MintTokens == 0 {
		vault.MintTokens = DefaultMintTokens
	}
	if vault.MintUsdCents == 0 {
		vault.MintUsdCents = DefaultMintUsdCents
	}
	vault.Withdrawable = false
	vault.LastBtcPriceUsd = p.BtcPriceUsd
	vault.CollateralRatioBps = vault.RatioBps(p.BtcPriceUsd)
	vault.Health = HealthPending
	vault.CreatedAt = p.CreatedAt
	vault.UpdatedAt = time.Now().Unix()
	return vault
}
