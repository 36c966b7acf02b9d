package vaultlib

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

const (
	// LeafVersion is the only tapscript leaf version vault leaves are built with.
	LeafVersion = txscript.BaseLeafVersion

	// ProtocolDomainLabel and ProtocolRoleLabel prefix the oracle derivation path.
	ProtocolDomainLabel = "usdb"
	ProtocolRoleLabel   = "proto"

	SatsPerBtc = 100_000_000
)

// ProtocolDerivationPath returns the derivation context under which the oracle
// derives the protocol key of the given vault.
func ProtocolDerivationPath(vaultId uint64) [][]byte {
	id := make([]byte, 8)
	binary.BigEndian.PutUint64(id, vaultId)
	return [][]byte{[]byte(ProtocolDomainLabel), []byte(ProtocolRoleLabel), id}
}

// ParseXOnlyKey accepts a 32-byte x-only key or a 33-byte compressed key, both
// hex encoded, and returns the 32-byte x-only serialization with its parsed point.
func ParseXOnlyKey(hexKey string) ([]byte, *btcec.PublicKey, error) {
	buf, err := hex.DecodeString(strings.TrimSpace(hexKey))
	if err != nil {
		return nil, nil, fmt.Errorf("invalid hex key: %w", err)
	}
	return NormalizeXOnlyKey(buf)
}

// NormalizeXOnlyKey is ParseXOnlyKey for raw bytes.
func NormalizeXOnlyKey(buf []byte) ([]byte, *btcec.PublicKey, error) {
	switch len(buf) {
	case schnorr.PubKeyBytesLen:
		key, err := schnorr.ParsePubKey(buf)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid x-only key: %w", err)
		}
		return schnorr.SerializePubKey(key), key, nil
	case btcec.PubKeyBytesLenCompressed:
		if buf[0] != 0x02 && buf[0] != 0x03 {
			return nil, nil, fmt.Errorf("invalid compressed key prefix %#x", buf[0])
		}
		key, err := btcec.ParsePubKey(buf)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid compressed key: %w", err)
		}
		xonly := schnorr.SerializePubKey(key)
		// re-parse to get the even-y point the x-only form commits to
		even, err := schnorr.ParsePubKey(xonly)
		if err != nil {
			return nil, nil, err
		}
		return xonly, even, nil
	default:
		return nil, nil, fmt.Errorf("invalid key length %d, expected 32 or 33 bytes", len(buf))
	}
}

// NetworkParams maps a network name to its chain parameters.
func NetworkParams(network string) (*chaincfg.Params, error) {
	switch strings.ToLower(network) {
	case "bitcoin", "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %s", network)
	}
}
