package oracle_test

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/usdb-labs/vaultd/internal/core/ports"
	"github.com/usdb-labs/vaultd/internal/infrastructure/oracle"
)

func TestSignWithdrawal(t *testing.T) {
	sig := strings.Repeat("ab", 64)
	req := ports.SignRequest{
		VaultId:        1_700_000_000_000_000_001,
		Sighash:        []byte{0x01},
		TapleafHash:    []byte{0x02},
		ControlBlock:   []byte{0xc0, 0x03},
		MerkleRoot:     []byte{0x04},
		DerivationPath: [][]byte{[]byte("vault"), {0x00, 0x01}},
	}

	t.Run("valid", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/sign", r.URL.Path)
			require.Equal(t, "secret", r.Header.Get("x-api-key"))
			_, err := uuid.Parse(r.Header.Get("X-Request-Id"))
			require.NoError(t, err)

			var body map[string]interface{}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			require.Equal(t, "1700000000000000001", body["vaultId"])
			require.Equal(t, "c003", body["controlBlock"])
			require.Equal(t, []interface{}{hex.EncodeToString([]byte("vault")), "0001"},
				body["derivationPath"])

			// nolint:all
			json.NewEncoder(w).Encode(map[string]string{"signature": sig})
		}))
		defer server.Close()

		svc, err := oracle.NewService(server.URL+"/", "secret", time.Second)
		require.NoError(t, err)

		got, err := svc.SignWithdrawal(context.Background(), req)
		require.NoError(t, err)
		require.Equal(t, sig, hex.EncodeToString(got))
	})

	t.Run("invalid", func(t *testing.T) {
		testCases := []struct {
			name     string
			status   int
			body     string
			contains string
		}{
			{"refused", http.StatusOK, `{"error": "unknown vault"}`, "unknown vault"},
			{"bad hex", http.StatusOK, `{"signature": "zz"}`, "invalid signature encoding"},
			{"bad length", http.StatusOK, `{"signature": "abab"}`, "invalid signature length 2"},
			{"client error", http.StatusBadRequest, `{"error": "bad sighash"}`, "status 400: bad sighash"},
			{"bad body", http.StatusOK, `not-json`, "failed to decode"},
		}

		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				var calls atomic.Int32
				server := httptest.NewServer(http.HandlerFunc(
					func(w http.ResponseWriter, r *http.Request) {
						calls.Add(1)
						w.WriteHeader(tc.status)
						// nolint:all
						w.Write([]byte(tc.body))
					},
				))
				defer server.Close()

				svc, err := oracle.NewService(server.URL, "", time.Second)
				require.NoError(t, err)

				_, err = svc.SignWithdrawal(context.Background(), req)
				require.ErrorContains(t, err, tc.contains)
				require.Equal(t, int32(1), calls.Load())
			})
		}
	})

	t.Run("retries server errors", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			// nolint:all
			json.NewEncoder(w).Encode(map[string]string{"signature": sig + "01"})
		}))
		defer server.Close()

		svc, err := oracle.NewService(server.URL, "", time.Second)
		require.NoError(t, err)

		got, err := svc.SignWithdrawal(context.Background(), req)
		require.NoError(t, err)
		require.Len(t, got, 65)
		require.Equal(t, int32(3), calls.Load())
	})

	t.Run("gives up", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer server.Close()

		svc, err := oracle.NewService(server.URL, "", time.Second)
		require.NoError(t, err)

		_, err = svc.SignWithdrawal(context.Background(), req)
		require.ErrorContains(t, err, "after 5 attempts")
	})

	t.Run("unreachable", func(t *testing.T) {
		server := httptest.NewServer(http.NotFoundHandler())
		url := server.URL
		server.Close()

		svc, err := oracle.NewService(url, "", time.Second)
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
		defer cancel()
		_, err = svc.SignWithdrawal(ctx, req)
		require.Error(t, err)
	})
}

func TestDeriveProtocolKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/public-key", r.URL.Path)
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["vaultId"] == "2" {
			// nolint:all
			json.NewEncoder(w).Encode(map[string]string{"error": "no key"})
			return
		}
		// nolint:all
		json.NewEncoder(w).Encode(map[string]string{
			"publicKey": "02" + strings.Repeat("11", 32),
			"chainCode": strings.Repeat("22", 32),
		})
	}))
	defer server.Close()

	svc, err := oracle.NewService(server.URL, "", time.Second)
	require.NoError(t, err)

	key, err := svc.DeriveProtocolKey(context.Background(), 1, [][]byte{{0x01}})
	require.NoError(t, err)
	require.Equal(t, "02"+strings.Repeat("11", 32), key.PublicKey)
	require.Equal(t, strings.Repeat("22", 32), key.ChainCode)

	_, err = svc.DeriveProtocolKey(context.Background(), 2, nil)
	require.ErrorContains(t, err, "no key")

	_, err = oracle.NewService("", "", 0)
	require.Error(t, err)
}
