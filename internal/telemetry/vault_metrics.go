package telemetry

import (
	"context"

	log "github.com/sirupsen/logrus"
	"github.com/usdb-labs/vaultd/internal/core/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "vaultd.vaults"

// VaultCounter counts the stored vaults by health.
type VaultCounter func(ctx context.Context) (map[domain.Health]int64, error)

// VaultMetrics records vault lifecycle metrics from the vault events.
type VaultMetrics struct {
	created       metric.Int64Counter
	healthChanges metric.Int64Counter
	withdrawals   metric.Int64Counter
	releasedSats  metric.Int64Counter
	btcPrice      metric.Float64Gauge
}

func NewVaultMetrics(meter metric.Meter, counter VaultCounter) (*VaultMetrics, error) {
	created, err := meter.Int64Counter(
		"vaultd_vaults_created_total",
		metric.WithDescription("number of vaults minted"),
	)
	if err != nil {
		return nil, err
	}
	healthChanges, err := meter.Int64Counter(
		"vaultd_vault_health_changes_total",
		metric.WithDescription("number of vault health transitions"),
	)
	if err != nil {
		return nil, err
	}
	withdrawals, err := meter.Int64Counter(
		"vaultd_withdrawals_total",
		metric.WithDescription("number of vault withdrawals broadcast"),
	)
	if err != nil {
		return nil, err
	}
	releasedSats, err := meter.Int64Counter(
		"vaultd_withdrawn_collateral_sats_total",
		metric.WithDescription("collateral released by withdrawals"),
		metric.WithUnit("sat"),
	)
	if err != nil {
		return nil, err
	}
	btcPrice, err := meter.Float64Gauge(
		"vaultd_btc_price_usd",
		metric.WithDescription("BTC price used by the last health refresh"),
		metric.WithUnit("USD"),
	)
	if err != nil {
		return nil, err
	}

	if counter != nil {
		vaults, err := meter.Int64ObservableGauge(
			"vaultd_vaults",
			metric.WithDescription("number of stored vaults by health"),
		)
		if err != nil {
			return nil, err
		}
		if _, err := meter.RegisterCallback(
			func(ctx context.Context, obs metric.Observer) error {
				counts, err := counter(ctx)
				if err != nil {
					log.WithError(err).Warn("failed to count vaults")
					return nil
				}
				for _, health := range []domain.Health{
					domain.HealthPending, domain.HealthConfirmed,
					domain.HealthAtRisk, domain.HealthWithdrawn,
				} {
					obs.ObserveInt64(
						vaults, counts[health],
						metric.WithAttributes(attribute.String("health", health.String())),
					)
				}
				return nil
			},
			vaults,
		); err != nil {
			return nil, err
		}
	}

	return &VaultMetrics{
		created:       created,
		healthChanges: healthChanges,
		withdrawals:   withdrawals,
		releasedSats:  releasedSats,
		btcPrice:      btcPrice,
	}, nil
}

// HandleEvent is meant to be registered on the vault topic of the event bus.
func (m *VaultMetrics) HandleEvent(event domain.Event) {
	ctx := context.Background()
	switch e := event.(type) {
	case domain.VaultCreated:
		m.created.Add(ctx, 1)
	case domain.VaultHealthChanged:
		m.healthChanges.Add(ctx, 1, metric.WithAttributes(
			attribute.String("from", e.From.String()),
			attribute.String("to", e.To.String()),
		))
		if e.BtcPriceUsd > 0 {
			m.btcPrice.Record(ctx, e.BtcPriceUsd, metric.WithAttributes(
				attribute.Bool("fallback", e.UsingFallbackPrice),
			))
		}
	case domain.VaultWithdrawn:
		m.withdrawals.Add(ctx, 1)
		m.releasedSats.Add(ctx, int64(e.CollateralSats))
	}
}

// CountVaults builds a VaultCounter over the vault repository.
func CountVaults(repo domain.VaultRepository) VaultCounter {
	return func(ctx context.Context) (map[domain.Health]int64, error) {
		vaults, err := repo.GetAll(ctx)
		if err != nil {
			return nil, err
		}
		counts := make(map[domain.Health]int64)
		for _, vault := range vaults {
			counts[vault.Health]++
		}
		return counts, nil
	}
}
