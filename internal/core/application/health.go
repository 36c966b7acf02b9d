package application

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/usdb-labs/vaultd/internal/core/domain"
	"github.com/usdb-labs/vaultd/internal/core/ports"
	"github.com/usdb-labs/vaultd/pkg/errors"
)

const (
	DefaultAtRiskThresholdBps = 12_000
	defaultRefreshTimeout     = 2 * time.Minute
)

// healthMonitor recomputes confirmation depth, collateral ratio and health of
// every active vault, once per scheduler period.
type healthMonitor struct {
	repo         domain.VaultRepository
	node         ports.BitcoinNode
	prices       *priceSource
	scheduler    ports.SchedulerService
	events       ports.EventBus
	thresholdBps uint32
	period       int64

	stopped bool
	lock    *sync.Mutex
}

func newHealthMonitor(
	repo domain.VaultRepository, node ports.BitcoinNode, prices *priceSource,
	scheduler ports.SchedulerService, events ports.EventBus, thresholdBps uint32, period int64,
) *healthMonitor {
	if thresholdBps == 0 {
		thresholdBps = DefaultAtRiskThresholdBps
	}
	return &healthMonitor{
		repo:         repo,
		node:         node,
		prices:       prices,
		scheduler:    scheduler,
		events:       events,
		thresholdBps: thresholdBps,
		period:       period,
		lock:         &sync.Mutex{},
	}
}

func (m *healthMonitor) start() error {
	if m.scheduler == nil || m.period <= 0 {
		log.Info("periodic health refresh disabled")
		return nil
	}
	m.scheduler.Start()
	m.lock.Lock()
	m.stopped = false
	m.lock.Unlock()
	return m.scheduleNext()
}

func (m *healthMonitor) stop() {
	m.lock.Lock()
	m.stopped = true
	m.lock.Unlock()

	if m.scheduler != nil && m.period > 0 {
		m.scheduler.Stop()
	}
}

func (m *healthMonitor) scheduleNext() error {
	return m.scheduler.ScheduleTaskOnce(m.scheduler.AddNow(m.period), m.run)
}

func (m *healthMonitor) run() {
	m.lock.Lock()
	stopped := m.stopped
	m.lock.Unlock()
	if stopped {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultRefreshTimeout)
	defer cancel()

	if _, err := m.refreshAll(ctx); err != nil {
		log.WithError(err).Warn("failed to refresh vaults health")
	}
	if err := m.scheduleNext(); err != nil {
		log.WithError(err).Error("failed to schedule next health refresh")
	}
}

// refreshAll refreshes the active vaults with a single price quote.
func (m *healthMonitor) refreshAll(ctx context.Context) ([]domain.Vault, error) {
	vaults, err := m.repo.GetActive(ctx)
	if err != nil {
		return nil, err
	}
	if len(vaults) == 0 {
		return nil, nil
	}

	quote := m.prices.quote(ctx)
	refreshed := make([]domain.Vault, 0, len(vaults))
	for _, vault := range vaults {
		updated, err := m.refresh(ctx, vault, quote)
		if err != nil {
			log.WithError(err).WithField("vault_id", vault.IdString()).
				Warn("failed to refresh vault health")
			continue
		}
		refreshed = append(refreshed, *updated)
	}

	log.Debugf("refreshed health of %d/%d vaults", len(refreshed), len(vaults))
	return refreshed, nil
}

func (m *healthMonitor) refreshOne(ctx context.Context, vault domain.Vault) (*domain.Vault, error) {
	return m.refresh(ctx, vault, m.prices.quote(ctx))
}

func (m *healthMonitor) refresh(
	ctx context.Context, vault domain.Vault, quote priceQuote,
) (*domain.Vault, error) {
	if vault.IsWithdrawn() || !vault.IsMinted() {
		return &vault, nil
	}

	confirmations := uint32(0)
	status, err := m.node.GetTransaction(ctx, vault.Txid)
	if err != nil {
		if !errors.Is(err, ports.ErrTxNotFound) {
			log.WithError(err).WithField("txid", vault.Txid).
				Debug("failed to fetch mint tx, assuming 0 confirmations")
		}
	} else {
		confirmations = status.Confirmations
	}

	report := domain.HealthReport{
		Confirmations:      confirmations,
		BtcPriceUsd:        quote.price,
		UsingFallbackPrice: quote.usingFallback,
	}

	var from domain.Health
	changed := false
	updated, err := m.repo.Update(ctx, vault.Id, func(v *domain.Vault) error {
		from = v.Health
		var err error
		changed, err = v.ApplyHealth(report, m.thresholdBps)
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrVaultAlreadyWithdrawn) {
			// withdrawn concurrently, health is frozen
			return m.repo.Get(ctx, vault.Id)
		}
		return nil, err
	}

	if changed {
		log.WithFields(log.Fields{
			"vault_id": updated.IdString(),
			"from":     from,
			"to":       updated.Health,
		}).Info("vault health changed")

		if m.events != nil {
			if err := m.events.Publish(
				ctx, domain.NewVaultHealthChanged(from, *updated),
			); err != nil {
				log.WithError(err).Warn("failed to publish vault health change")
			}
		}
	}

	return updated, nil
}
