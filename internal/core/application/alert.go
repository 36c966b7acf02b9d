package application

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/usdb-labs/vaultd/internal/core/domain"
	"github.com/usdb-labs/vaultd/internal/core/ports"
)

// handleVaultEvent turns health transitions into at risk alerts and
// withdrawals into withdrawn alerts.
func (s *service) handleVaultEvent(event domain.Event) {
	switch e := event.(type) {
	case domain.VaultHealthChanged:
		if e.To != domain.HealthAtRisk || e.From == domain.HealthAtRisk {
			return
		}
		ratio := uint32(0)
		if e.CollateralRatioBps != nil {
			ratio = *e.CollateralRatioBps
		}
		s.publishAlert(ports.VaultAtRisk, ports.VaultAtRiskAlert{
			VaultId:            domain.Vault{Id: e.VaultId}.IdString(),
			VaultAddress:       e.VaultAddress,
			CollateralSats:     e.CollateralSats,
			CollateralRatioBps: ratio,
			ThresholdBps:       s.cfg.AtRiskThresholdBps,
			BtcPriceUsd:        e.BtcPriceUsd,
			UsingFallbackPrice: e.UsingFallbackPrice,
		})
	case domain.VaultWithdrawn:
		s.publishAlert(ports.VaultWithdrawn, ports.VaultWithdrawnAlert{
			VaultId:        domain.Vault{Id: e.VaultId}.IdString(),
			WithdrawTxid:   e.WithdrawTxid,
			CollateralSats: e.CollateralSats,
		})
	}
}

func (s *service) publishAlert(topic ports.Topic, message any) {
	if s.alerts == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.alerts.Publish(ctx, topic, message); err != nil {
		log.WithError(err).WithField("topic", topic).Warn("failed to publish alert")
	}
}
