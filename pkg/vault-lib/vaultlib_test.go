package vaultlib_test

import (
	"encoding/binary"
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/stretchr/testify/require"
	vaultlib "github.com/usdb-labs/vaultd/pkg/vault-lib"
)

func TestParseXOnlyKey(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	compressed := priv.PubKey().SerializeCompressed()
	xonly := schnorr.SerializePubKey(priv.PubKey())

	uncompressed := priv.PubKey().SerializeUncompressed()
	badPrefix := append([]byte{0x04}, compressed[1:]...)

	t.Run("valid", func(t *testing.T) {
		testCases := []struct {
			description string
			key         string
		}{
			{"x-only key", hex.EncodeToString(xonly)},
			{"compressed key", hex.EncodeToString(compressed)},
			{"hex with surrounding spaces", " " + hex.EncodeToString(compressed) + " "},
		}
		for _, tc := range testCases {
			t.Run(tc.description, func(t *testing.T) {
				got, key, err := vaultlib.ParseXOnlyKey(tc.key)
				require.NoError(t, err)
				require.Equal(t, xonly, got)
				require.Equal(t, xonly, schnorr.SerializePubKey(key))
			})
		}
	})

	t.Run("invalid", func(t *testing.T) {
		testCases := []struct {
			description string
			key         string
		}{
			{"not hex", "zz"},
			{"too short", hex.EncodeToString(xonly[:31])},
			{"uncompressed key", hex.EncodeToString(uncompressed)},
			{"bad prefix", hex.EncodeToString(badPrefix)},
			{"empty", ""},
		}
		for _, tc := range testCases {
			t.Run(tc.description, func(t *testing.T) {
				_, _, err := vaultlib.ParseXOnlyKey(tc.key)
				require.Error(t, err)
			})
		}
	})
}

func TestProtocolDerivationPath(t *testing.T) {
	path := vaultlib.ProtocolDerivationPath(1_700_000_000_000_000_042)
	require.Len(t, path, 3)
	require.Equal(t, []byte("usdb"), path[0])
	require.Equal(t, []byte("proto"), path[1])
	require.Len(t, path[2], 8)
	require.Equal(t, uint64(1_700_000_000_000_000_042), binary.BigEndian.Uint64(path[2]))
}

func TestNetworkParams(t *testing.T) {
	for _, name := range []string{"bitcoin", "testnet", "signet", "regtest"} {
		params, err := vaultlib.NetworkParams(name)
		require.NoError(t, err)
		require.NotNil(t, params)
	}
	_, err := vaultlib.NetworkParams("liquid")
	require.Error(t, err)
}
