package script_test

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/stretchr/testify/require"
	"github.com/usdb-labs/vaultd/pkg/vault-lib/script"
)

func newKey(t *testing.T) *btcec.PublicKey {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	// round trip through x-only to get the even-y point
	key, err := schnorr.ParsePubKey(schnorr.SerializePubKey(priv.PubKey()))
	require.NoError(t, err)
	return key
}

func newVaultScript(t *testing.T) *script.VaultScript {
	return &script.VaultScript{
		InternalKey:  newKey(t),
		ProtocolKey:  newKey(t),
		UserKey:      newKey(t),
		RecoveryKeyA: newKey(t),
		RecoveryKeyB: newKey(t),
	}
}

func TestMultisigClosureScript(t *testing.T) {
	k1, k2 := newKey(t), newKey(t)
	closure := &script.MultisigClosure{PubKeys: []*btcec.PublicKey{k1, k2}}

	s, err := closure.Script()
	require.NoError(t, err)

	expected := []byte{0x20}
	expected = append(expected, schnorr.SerializePubKey(k1)...)
	expected = append(expected, txscript.OP_CHECKSIG, 0x20)
	expected = append(expected, schnorr.SerializePubKey(k2)...)
	expected = append(expected, txscript.OP_CHECKSIGADD, txscript.OP_2, txscript.OP_NUMEQUAL)
	require.Equal(t, expected, s)

	decoded := &script.MultisigClosure{}
	valid, err := decoded.Decode(s)
	require.NoError(t, err)
	require.True(t, valid)
	require.Len(t, decoded.PubKeys, 2)
	require.True(t, decoded.PubKeys[0].IsEqual(k1))
	require.True(t, decoded.PubKeys[1].IsEqual(k2))

	valid, err = (&script.MultisigClosure{}).Decode(append(s, txscript.OP_VERIFY))
	require.NoError(t, err)
	require.False(t, valid)

	_, err = (&script.MultisigClosure{PubKeys: []*btcec.PublicKey{k1}}).Script()
	require.Error(t, err)
}

func TestScriptContainsKey(t *testing.T) {
	vault := newVaultScript(t)
	redeem, err := vault.RedeemClosure().Script()
	require.NoError(t, err)

	protocolHex := strings.ToUpper(hexKey(vault.ProtocolKey))
	require.True(t, script.ScriptContainsKey(redeem, protocolHex))
	require.False(t, script.ScriptContainsKey(redeem, hexKey(vault.RecoveryKeyA)))
	require.False(t, script.ScriptContainsKey(redeem, ""))
}

func TestLeafHash(t *testing.T) {
	vault := newVaultScript(t)
	leaves, err := vault.Leaves()
	require.NoError(t, err)

	for _, leaf := range leaves {
		require.Equal(t, leaf.TapHash(), script.LeafHash(leaf.LeafVersion, leaf.Script))
	}
}

func TestVaultScriptDeterminism(t *testing.T) {
	vault := newVaultScript(t)

	first, err := vault.Leaves()
	require.NoError(t, err)
	firstRoot, err := vault.MerkleRoot()
	require.NoError(t, err)

	rebuilt := &script.VaultScript{
		InternalKey:  vault.InternalKey,
		ProtocolKey:  vault.ProtocolKey,
		UserKey:      vault.UserKey,
		RecoveryKeyA: vault.RecoveryKeyA,
		RecoveryKeyB: vault.RecoveryKeyB,
	}
	second, err := rebuilt.Leaves()
	require.NoError(t, err)
	secondRoot, err := rebuilt.MerkleRoot()
	require.NoError(t, err)

	require.Equal(t, first[script.RedeemLeafIndex].TapHash(), second[script.RedeemLeafIndex].TapHash())
	require.Equal(t, first[script.RecoverLeafIndex].TapHash(), second[script.RecoverLeafIndex].TapHash())
	require.Equal(t, firstRoot, secondRoot)

	rebuilt.UserKey = newKey(t)
	third, err := rebuilt.Leaves()
	require.NoError(t, err)
	thirdRoot, err := rebuilt.MerkleRoot()
	require.NoError(t, err)

	require.NotEqual(t, first[script.RedeemLeafIndex].TapHash(), third[script.RedeemLeafIndex].TapHash())
	require.Equal(t, first[script.RecoverLeafIndex].TapHash(), third[script.RecoverLeafIndex].TapHash())
	require.NotEqual(t, firstRoot, thirdRoot)
}

func TestMerkleRootIsBranchOfLeaves(t *testing.T) {
	vault := newVaultScript(t)
	leaves, err := vault.Leaves()
	require.NoError(t, err)
	root, err := vault.MerkleRoot()
	require.NoError(t, err)

	a, b := leaves[0].TapHash(), leaves[1].TapHash()
	require.Equal(t, root, script.BranchHash(a[:], b[:]))

	for leafIndex, leaf := range leaves {
		cbBytes, err := vault.ControlBlock(leafIndex)
		require.NoError(t, err)

		cb, err := txscript.ParseControlBlock(cbBytes)
		require.NoError(t, err)
		require.Equal(t, byte(txscript.BaseLeafVersion), cbBytes[0]&txscript.TaprootLeafMask)

		path, err := script.SplitInclusionProof(cb.InclusionProof)
		require.NoError(t, err)
		require.Len(t, path, 1)

		folded, err := script.FoldMerklePath(leaf.TapHash(), path)
		require.NoError(t, err)
		require.Equal(t, root, folded)
		require.Equal(t, root[:], cb.RootHash(leaf.Script))
	}
}

func TestFoldMerklePath(t *testing.T) {
	leaf := chainhash.HashH([]byte("leaf"))
	n1 := chainhash.HashH([]byte("node 1"))
	n2 := chainhash.HashH([]byte("node 2"))

	t.Run("pairwise sort invariant", func(t *testing.T) {
		require.Equal(t, script.BranchHash(n1[:], n2[:]), script.BranchHash(n2[:], n1[:]))
	})

	t.Run("path order sensitive", func(t *testing.T) {
		forward, err := script.FoldMerklePath(leaf, [][]byte{n1[:], n2[:]})
		require.NoError(t, err)
		backward, err := script.FoldMerklePath(leaf, [][]byte{n2[:], n1[:]})
		require.NoError(t, err)
		require.NotEqual(t, forward, backward)
	})

	t.Run("identical nodes", func(t *testing.T) {
		forward, err := script.FoldMerklePath(leaf, [][]byte{n1[:], n1[:]})
		require.NoError(t, err)
		backward, err := script.FoldMerklePath(leaf, [][]byte{n1[:], n1[:]})
		require.NoError(t, err)
		require.Equal(t, forward, backward)
	})

	t.Run("empty path", func(t *testing.T) {
		root, err := script.FoldMerklePath(leaf, nil)
		require.NoError(t, err)
		require.Equal(t, leaf, root)
	})

	t.Run("invalid node", func(t *testing.T) {
		_, err := script.FoldMerklePath(leaf, [][]byte{n1[:31]})
		require.Error(t, err)
	})
}

func TestVaultAddress(t *testing.T) {
	vault := newVaultScript(t)

	addr, err := vault.Address(&chaincfg.RegressionNetParams)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(addr, "bcrt1p"))

	pkScript, err := vault.PkScript()
	require.NoError(t, err)
	require.Len(t, pkScript, 34)
	require.Equal(t, txscript.WitnessV1TaprootTy, txscript.GetScriptClass(pkScript))
}

func TestVaultDescriptor(t *testing.T) {
	vault := newVaultScript(t)
	desc, err := vault.Descriptor()
	require.NoError(t, err)

	expected := "tr(" + hexKey(vault.InternalKey) + ",{multi_a(2," + hexKey(vault.ProtocolKey) +
		"," + hexKey(vault.UserKey) + "),multi_a(2," + hexKey(vault.RecoveryKeyA) + "," +
		hexKey(vault.RecoveryKeyB) + ")})"
	require.Equal(t, expected, desc)

	_, err = (&script.VaultScript{}).Descriptor()
	require.Error(t, err)
}

func hexKey(key *btcec.PublicKey) string {
	return hex.EncodeToString(schnorr.SerializePubKey(key))
}
