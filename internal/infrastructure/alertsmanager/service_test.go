package alertsmanager

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/usdb-labs/vaultd/internal/core/ports"
)

func TestPublish(t *testing.T) {
	t.Run("vault at risk", func(t *testing.T) {
		var received []Alert
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, http.MethodPost, r.Method)
			require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		svc := NewService(server.URL, "https://mempool.space/")
		err := svc.Publish(context.Background(), ports.VaultAtRisk, ports.VaultAtRiskAlert{
			VaultId:            "42",
			VaultAddress:       "bc1pvault",
			CollateralSats:     26_000,
			CollateralRatioBps: 11_050,
			ThresholdBps:       12_000,
			BtcPriceUsd:        42_500,
			UsingFallbackPrice: true,
		})
		require.NoError(t, err)

		require.Len(t, received, 1)
		alert := received[0]
		require.Equal(t, "Vault At Risk", alert.Labels["alertname"])
		require.Equal(t, "vaultd", alert.Labels["service"])
		require.Equal(t, severityWarning, alert.Labels["severity"])
		require.Equal(t, "42", alert.Labels["vault_id"])

		desc := alert.Annotations["description"]
		require.Contains(t, desc, "https://mempool.space/address/bc1pvault")
		require.Contains(t, desc, "0.00026 BTC")
		require.Contains(t, desc, "110.50% (threshold 120.00%)")
		require.Contains(t, desc, "(fallback)")
	})

	t.Run("vault withdrawn", func(t *testing.T) {
		var received []Alert
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		}))
		defer server.Close()

		err := NewService(server.URL, "").Publish(
			context.Background(), ports.VaultWithdrawn, ports.VaultWithdrawnAlert{
				VaultId:        "42",
				WithdrawTxid:   "txid",
				CollateralSats: 100_000_000,
			},
		)
		require.NoError(t, err)
		require.Len(t, received, 1)
		require.Equal(t, "txid", received[0].Labels["txid"])
		require.Equal(t, severityInfo, received[0].Labels["severity"])
		require.Contains(t, received[0].Annotations["description"], "1 BTC")
		require.NotContains(t, received[0].Annotations["description"], "/tx/")
	})

	t.Run("invalid message", func(t *testing.T) {
		err := NewService("http://127.0.0.1:1", "").
			Publish(context.Background(), ports.VaultAtRisk, "not an alert")
		require.ErrorContains(t, err, "invalid message type")
	})

	t.Run("retries server errors only", func(t *testing.T) {
		testCases := []struct {
			name     string
			statuses []int
			attempts int32
			err      bool
		}{
			{"recovers", []int{500, 503, 200}, 3, false},
			{"client error", []int{400}, 1, true},
			{"gives up", []int{500, 500, 500, 500, 500}, maxRetries, true},
		}

		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				var attempts atomic.Int32
				server := httptest.NewServer(http.HandlerFunc(
					func(w http.ResponseWriter, r *http.Request) {
						i := attempts.Add(1) - 1
						w.WriteHeader(tc.statuses[i])
					},
				))
				defer server.Close()

				err := NewService(server.URL, "").Publish(
					context.Background(), ports.VaultWithdrawn,
					ports.VaultWithdrawnAlert{VaultId: "1", WithdrawTxid: "txid"},
				)
				if tc.err {
					require.Error(t, err)
				} else {
					require.NoError(t, err)
				}
				require.Equal(t, tc.attempts, attempts.Load())
			})
		}
	})
}

func TestFormat(t *testing.T) {
	require.Equal(t, "0 BTC", formatBTC(0))
	require.Equal(t, "0.00025811 BTC", formatBTC(25_811))
	require.Equal(t, "1.5 BTC", formatBTC(150_000_000))
	require.Equal(t, "130.00%", formatBps(13_000))
	require.Equal(t, "99.05%", formatBps(9_905))
}
