package telemetry_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/usdb-labs/vaultd/internal/core/domain"
	"github.com/usdb-labs/vaultd/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	rm := metricdata.ResourceMetrics{}
	require.NoError(t, reader.Collect(context.Background(), &rm))

	metrics := make(map[string]metricdata.Aggregation)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			metrics[m.Name] = m.Data
		}
	}
	return metrics
}

func sumOf(t *testing.T, data metricdata.Aggregation, attrs ...attribute.KeyValue) int64 {
	sum, ok := data.(metricdata.Sum[int64])
	require.True(t, ok, "not an int64 sum: %T", data)

	want := attribute.NewSet(attrs...)
	for _, dp := range sum.DataPoints {
		if dp.Attributes.Equals(&want) {
			return dp.Value
		}
	}
	return 0
}

func TestVaultMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() {
		//nolint:errcheck
		provider.Shutdown(context.Background())
	})

	counts := map[domain.Health]int64{
		domain.HealthConfirmed: 3,
		domain.HealthAtRisk:    1,
	}
	metrics, err := telemetry.NewVaultMetrics(
		provider.Meter("test"),
		func(context.Context) (map[domain.Health]int64, error) { return counts, nil },
	)
	require.NoError(t, err)

	ratio := uint32(11_000)
	vault := domain.Vault{
		Id:                 1,
		CollateralSats:     30_000,
		Health:             domain.HealthAtRisk,
		CollateralRatioBps: &ratio,
		LastBtcPriceUsd:    36_000,
	}
	withdrawn := vault
	withdrawn.WithdrawTxid = "withdraw-txid"

	metrics.HandleEvent(domain.NewVaultCreated(vault))
	metrics.HandleEvent(domain.NewVaultCreated(vault))
	metrics.HandleEvent(domain.NewVaultHealthChanged(domain.HealthConfirmed, vault))
	metrics.HandleEvent(domain.NewVaultWithdrawn(withdrawn))

	got := collect(t, reader)
	require.Equal(t, int64(2), sumOf(t, got["vaultd_vaults_created_total"]))
	require.Equal(t, int64(1), sumOf(
		t, got["vaultd_vault_health_changes_total"],
		attribute.String("from", "confirmed"), attribute.String("to", "at_risk"),
	))
	require.Equal(t, int64(1), sumOf(t, got["vaultd_withdrawals_total"]))
	require.Equal(t, int64(30_000), sumOf(t, got["vaultd_withdrawn_collateral_sats_total"]))

	price, ok := got["vaultd_btc_price_usd"].(metricdata.Gauge[float64])
	require.True(t, ok)
	require.Len(t, price.DataPoints, 1)
	require.Equal(t, 36_000.0, price.DataPoints[0].Value)

	vaults, ok := got["vaultd_vaults"].(metricdata.Gauge[int64])
	require.True(t, ok)
	byHealth := make(map[string]int64)
	for _, dp := range vaults.DataPoints {
		health, _ := dp.Attributes.Value("health")
		byHealth[health.AsString()] = dp.Value
	}
	require.Equal(t, map[string]int64{
		"pending":   0,
		"confirmed": 3,
		"at_risk":   1,
		"withdrawn": 0,
	}, byHealth)
}

func TestCountVaults(t *testing.T) {
	testCases := []struct {
		name     string
		vaults   []domain.Vault
		err      error
		expected map[domain.Health]int64
	}{
		{
			name: "by health",
			vaults: []domain.Vault{
				{Id: 1, Health: domain.HealthPending},
				{Id: 2, Health: domain.HealthConfirmed},
				{Id: 3, Health: domain.HealthConfirmed},
				{Id: 4, Health: domain.HealthWithdrawn},
			},
			expected: map[domain.Health]int64{
				domain.HealthPending:   1,
				domain.HealthConfirmed: 2,
				domain.HealthWithdrawn: 1,
			},
		},
		{
			name:     "empty",
			expected: map[domain.Health]int64{},
		},
		{
			name: "store failure",
			err:  fmt.Errorf("store closed"),
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			counts, err := telemetry.CountVaults(&stubRepo{vaults: tc.vaults, err: tc.err})(context.Background())
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.expected, counts)
		})
	}
}

type stubRepo struct {
	domain.VaultRepository
	vaults []domain.Vault
	err    error
}

func (r *stubRepo) GetAll(context.Context) ([]domain.Vault, error) {
	return r.vaults, r.err
}
