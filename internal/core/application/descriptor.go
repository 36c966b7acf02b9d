package application

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/usdb-labs/vaultd/internal/core/ports"
	"github.com/usdb-labs/vaultd/pkg/errors"
	vaultlib "github.com/usdb-labs/vaultd/pkg/vault-lib"
	"github.com/usdb-labs/vaultd/pkg/vault-lib/descriptor"
	"github.com/usdb-labs/vaultd/pkg/vault-lib/script"
)

// descriptorBuilder computes the taproot tree of a vault from the per vault
// keys and the daemon wide guardian and recovery keys.
type descriptorBuilder struct {
	guardianKey  *btcec.PublicKey
	recoveryKeyA *btcec.PublicKey
	recoveryKeyB *btcec.PublicKey
	network      *chaincfg.Params
}

func newDescriptorBuilder(
	guardianKey, recoveryKeyA, recoveryKeyB string, network *chaincfg.Params,
) (*descriptorBuilder, error) {
	keys := make([]*btcec.PublicKey, 0, 3)
	for _, k := range []string{guardianKey, recoveryKeyA, recoveryKeyB} {
		_, key, err := vaultlib.ParseXOnlyKey(k)
		if err != nil {
			return nil, fmt.Errorf("invalid protocol key %q: %w", k, err)
		}
		keys = append(keys, key)
	}
	return &descriptorBuilder{keys[0], keys[1], keys[2], network}, nil
}

func (b *descriptorBuilder) vaultScript(protocolKey, userKey string) (*script.VaultScript, error) {
	_, protocol, err := vaultlib.ParseXOnlyKey(protocolKey)
	if err != nil {
		return nil, errors.INVALID_KEY_ENCODING.Wrap(err).
			WithMetadata(errors.KeyMetadata{Key: protocolKey, Length: len(protocolKey) / 2})
	}
	_, user, err := vaultlib.ParseXOnlyKey(userKey)
	if err != nil {
		return nil, errors.INVALID_KEY_ENCODING.Wrap(err).
			WithMetadata(errors.KeyMetadata{Key: userKey, Length: len(userKey) / 2})
	}

	return &script.VaultScript{
		InternalKey:  b.guardianKey,
		ProtocolKey:  protocol,
		UserKey:      user,
		RecoveryKeyA: b.recoveryKeyA,
		RecoveryKeyB: b.recoveryKeyB,
	}, nil
}

func (b *descriptorBuilder) build(protocolKey, userKey string) (*VaultDescriptor, error) {
	vaultScript, err := b.vaultScript(protocolKey, userKey)
	if err != nil {
		return nil, err
	}

	desc, err := vaultScript.Descriptor()
	if err != nil {
		return nil, err
	}
	desc, err = descriptor.AddChecksum(desc)
	if err != nil {
		return nil, err
	}

	address, err := vaultScript.Address(b.network)
	if err != nil {
		return nil, err
	}
	outputKey, err := vaultScript.OutputKey()
	if err != nil {
		return nil, err
	}
	merkleRoot, err := vaultScript.MerkleRoot()
	if err != nil {
		return nil, err
	}
	redeem, err := vaultScript.RedeemClosure().Script()
	if err != nil {
		return nil, err
	}
	recoverScript, err := vaultScript.RecoverClosure().Script()
	if err != nil {
		return nil, err
	}

	return &VaultDescriptor{
		Descriptor:        desc,
		Address:           address,
		InternalKey:       xonlyHex(vaultScript.InternalKey),
		ProtocolPublicKey: xonlyHex(vaultScript.ProtocolKey),
		UserPublicKey:     xonlyHex(vaultScript.UserKey),
		OutputKey:         xonlyHex(outputKey),
		MerkleRoot:        hex.EncodeToString(merkleRoot[:]),
		RedeemScript:      hex.EncodeToString(redeem),
		RecoverScript:     hex.EncodeToString(recoverScript),
	}, nil
}

// deriveAddress builds the descriptor and checks the node derives the same
// address from it.
func (b *descriptorBuilder) deriveAddress(
	ctx context.Context, node ports.BitcoinNode, protocolKey, userKey string,
) (*VaultDescriptor, error) {
	desc, err := b.build(protocolKey, userKey)
	if err != nil {
		return nil, err
	}

	nodeAddress, err := node.DeriveAddress(ctx, desc.Descriptor)
	if err != nil {
		return nil, errors.NODE_UNAVAILABLE.Wrap(fmt.Errorf("failed to derive address: %w", err))
	}
	if nodeAddress != desc.Address {
		return nil, errors.VAULT_ADDRESS_MISMATCH.New(
			"node derived %s, expected %s", nodeAddress, desc.Address,
		)
	}
	return desc, nil
}

func xonlyHex(key *btcec.PublicKey) string {
	return hex.EncodeToString(schnorr.SerializePubKey(key))
}
