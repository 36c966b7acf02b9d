package ports

import "context"

const (
	VaultAtRisk    Topic = "Vault At Risk"
	VaultWithdrawn Topic = "Vault Withdrawn"
)

type Topic string

type Alerts interface {
	Publish(ctx context.Context, topic Topic, message interface{}) error
}

type VaultAtRiskAlert struct {
	VaultId            string
	VaultAddress       string
	CollateralSats     uint64
	CollateralRatioBps uint32
	ThresholdBps       uint32
	BtcPriceUsd        float64
	UsingFallbackPrice bool
}

type VaultWithdrawnAlert struct {
	VaultId        string
	WithdrawTxid   string
	CollateralSats uint64
}
