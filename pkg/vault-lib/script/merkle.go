package script

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// LeafHash computes TaggedHash("TapLeaf", version || compactSize(len) || script).
func LeafHash(version txscript.TapscriptLeafVersion, script []byte) chainhash.Hash {
	var buf bytes.Buffer
	buf.WriteByte(byte(version))
	// bytes.Buffer never fails on write
	_ = wire.WriteVarBytes(&buf, 0, script)
	return *chainhash.TaggedHash(chainhash.TagTapLeaf, buf.Bytes())
}

// BranchHash computes TaggedHash("TapBranch", min(a, b) || max(a, b)).
func BranchHash(a, b []byte) chainhash.Hash {
	if bytes.Compare(a, b) > 0 {
		a, b = b, a
	}
	return *chainhash.TaggedHash(chainhash.TagTapBranch, a, b)
}

// FoldMerklePath folds the given path nodes onto the leaf hash, accumulator first.
func FoldMerklePath(leafHash chainhash.Hash, path [][]byte) (chainhash.Hash, error) {
	acc := leafHash
	for i, node := range path {
		if len(node) != chainhash.HashSize {
			return chainhash.Hash{}, fmt.Errorf(
				"invalid merkle path node %d: expected %d bytes, got %d",
				i, chainhash.HashSize, len(node),
			)
		}
		acc = BranchHash(acc[:], node)
	}
	return acc, nil
}

// SplitInclusionProof slices a control block inclusion proof into 32-byte nodes.
func SplitInclusionProof(proof []byte) ([][]byte, error) {
	if len(proof)%chainhash.HashSize != 0 {
		return nil, fmt.Errorf("inclusion proof length %d is not a multiple of 32", len(proof))
	}
	nodes := make([][]byte, 0, len(proof)/chainhash.HashSize)
	for i := 0; i < len(proof); i += chainhash.HashSize {
		nodes = append(nodes, proof[i:i+chainhash.HashSize])
	}
	return nodes, nil
}
