package script

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
)

const (
	RedeemLeafIndex  = 0
	RecoverLeafIndex = 1
)

// VaultScript is the two-leaf taproot tree locking a vault's collateral.
// The redeem leaf is always committed first.
type VaultScript struct {
	InternalKey  *btcec.PublicKey
	ProtocolKey  *btcec.PublicKey
	UserKey      *btcec.PublicKey
	RecoveryKeyA *btcec.PublicKey
	RecoveryKeyB *btcec.PublicKey
}

func (v *VaultScript) RedeemClosure() *MultisigClosure {
	return &MultisigClosure{PubKeys: []*btcec.PublicKey{v.ProtocolKey, v.UserKey}}
}

func (v *VaultScript) RecoverClosure() *MultisigClosure {
	return &MultisigClosure{PubKeys: []*btcec.PublicKey{v.RecoveryKeyA, v.RecoveryKeyB}}
}

func (v *VaultScript) validate() error {
	if v.InternalKey == nil || v.ProtocolKey == nil || v.UserKey == nil ||
		v.RecoveryKeyA == nil || v.RecoveryKeyB == nil {
		return fmt.Errorf("vault script is missing keys")
	}
	return nil
}

// Leaves returns the redeem and recover leaves, in commitment order.
func (v *VaultScript) Leaves() ([]txscript.TapLeaf, error) {
	if err := v.validate(); err != nil {
		return nil, err
	}
	redeem, err := v.RedeemClosure().Leaf()
	if err != nil {
		return nil, fmt.Errorf("failed to build redeem leaf: %w", err)
	}
	recoverLeaf, err := v.RecoverClosure().Leaf()
	if err != nil {
		return nil, fmt.Errorf("failed to build recover leaf: %w", err)
	}
	return []txscript.TapLeaf{*redeem, *recoverLeaf}, nil
}

func (v *VaultScript) TapTree() (*txscript.IndexedTapScriptTree, error) {
	leaves, err := v.Leaves()
	if err != nil {
		return nil, err
	}
	return txscript.AssembleTaprootScriptTree(leaves...), nil
}

func (v *VaultScript) MerkleRoot() (chainhash.Hash, error) {
	tree, err := v.TapTree()
	if err != nil {
		return chainhash.Hash{}, err
	}
	return tree.RootNode.TapHash(), nil
}

func (v *VaultScript) OutputKey() (*btcec.PublicKey, error) {
	root, err := v.MerkleRoot()
	if err != nil {
		return nil, err
	}
	return txscript.ComputeTaprootOutputKey(v.InternalKey, root[:]), nil
}

func (v *VaultScript) PkScript() ([]byte, error) {
	outputKey, err := v.OutputKey()
	if err != nil {
		return nil, err
	}
	return txscript.PayToTaprootScript(outputKey)
}

func (v *VaultScript) Address(params *chaincfg.Params) (string, error) {
	outputKey, err := v.OutputKey()
	if err != nil {
		return "", err
	}
	addr, err := btcutil.NewAddressTaproot(schnorr.SerializePubKey(outputKey), params)
	if err != nil {
		return "", err
	}
	return addr.EncodeAddress(), nil
}

// ControlBlock returns the serialized control block spending the leaf at the given index.
func (v *VaultScript) ControlBlock(leafIndex int) ([]byte, error) {
	tree, err := v.TapTree()
	if err != nil {
		return nil, err
	}
	if leafIndex < 0 || leafIndex >= len(tree.LeafMerkleProofs) {
		return nil, fmt.Errorf("leaf index %d out of range", leafIndex)
	}
	controlBlock := tree.LeafMerkleProofs[leafIndex].ToControlBlock(v.InternalKey)
	return controlBlock.ToBytes()
}

// Descriptor returns the output descriptor body, without checksum.
func (v *VaultScript) Descriptor() (string, error) {
	if err := v.validate(); err != nil {
		return "", err
	}
	x := func(key *btcec.PublicKey) string {
		return hex.EncodeToString(schnorr.SerializePubKey(key))
	}
	return fmt.Sprintf(
		"tr(%s,{multi_a(2,%s,%s),multi_a(2,%s,%s)})",
		x(v.InternalKey), x(v.ProtocolKey), x(v.UserKey), x(v.RecoveryKeyA), x(v.RecoveryKeyB),
	), nil
}
