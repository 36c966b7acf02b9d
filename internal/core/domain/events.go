package domain

import "time"

const VaultTopic = "vault"

type EventType int

const (
	EventTypeUndefined EventType = iota
	EventTypeVaultCreated
	EventTypeVaultHealthChanged
	EventTypeVaultWithdrawn
)

func (t EventType) String() string {
	switch t {
	case EventTypeVaultCreated:
		return "vault_created"
	case EventTypeVaultHealthChanged:
		return "vault_health_changed"
	case EventTypeVaultWithdrawn:
		return "vault_withdrawn"
	default:
		return "undefined"
	}
}

type Event interface {
	GetTopic() string
	GetType() EventType
	GetVaultId() uint64
}

func (e VaultCreated) GetTopic() string       { return VaultTopic }
func (e VaultHealthChanged) GetTopic() string { return VaultTopic }
func (e VaultWithdrawn) GetTopic() string     { return VaultTopic }

func (e VaultCreated) GetType() EventType       { return EventTypeVaultCreated }
func (e VaultHealthChanged) GetType() EventType { return EventTypeVaultHealthChanged }
func (e VaultWithdrawn) GetType() EventType     { return EventTypeVaultWithdrawn }

func (e VaultCreated) GetVaultId() uint64       { return e.VaultId }
func (e VaultHealthChanged) GetVaultId() uint64 { return e.VaultId }
func (e VaultWithdrawn) GetVaultId() uint64     { return e.VaultId }

type VaultCreated struct {
	Type           EventType
	VaultId        uint64
	VaultAddress   string
	CollateralSats uint64
	Txid           string
	Timestamp      int64
}

type VaultHealthChanged struct {
	Type               EventType
	VaultId            uint64
	VaultAddress       string
	CollateralSats     uint64
	From               Health
	To                 Health
	CollateralRatioBps *uint32
	BtcPriceUsd        float64
	UsingFallbackPrice bool
	Confirmations      uint32
	Timestamp          int64
}

type VaultWithdrawn struct {
	Type           EventType
	VaultId        uint64
	CollateralSats uint64
	WithdrawTxid   string
	Timestamp      int64
}

func NewVaultCreated(v Vault) VaultCreated {
	return VaultCreated{
		Type:           EventTypeVaultCreated,
		VaultId:        v.Id,
		VaultAddress:   v.VaultAddress,
		CollateralSats: v.CollateralSats,
		Txid:           v.Txid,
		Timestamp:      time.Now().Unix(),
	}
}

func NewVaultHealthChanged(from Health, v Vault) VaultHealthChanged {
	return VaultHealthChanged{
		Type:               EventTypeVaultHealthChanged,
		VaultId:            v.Id,
		VaultAddress:       v.VaultAddress,
		CollateralSats:     v.CollateralSats,
		From:               from,
		To:                 v.Health,
		CollateralRatioBps: v.CollateralRatioBps,
		BtcPriceUsd:        v.LastBtcPriceUsd,
		UsingFallbackPrice: v.UsingFallbackPrice,
		Confirmations:      v.Confirmations,
		Timestamp:          time.Now().Unix(),
	}
}

func NewVaultWithdrawn(v Vault) VaultWithdrawn {
	return VaultWithdrawn{
		Type:           EventTypeVaultWithdrawn,
		VaultId:        v.Id,
		CollateralSats: v.CollateralSats,
		WithdrawTxid:   v.WithdrawTxid,
		Timestamp:      time.Now().Unix(),
	}
}
