package application

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	log "github.com/sirupsen/logrus"
	"github.com/usdb-labs/vaultd/internal/core/domain"
	"github.com/usdb-labs/vaultd/internal/core/ports"
	"github.com/usdb-labs/vaultd/pkg/errors"
	vaultlib "github.com/usdb-labs/vaultd/pkg/vault-lib"
	"github.com/usdb-labs/vaultd/pkg/vault-lib/script"
	"github.com/usdb-labs/vaultd/pkg/vault-lib/txutils"
)

// withdrawalSession is everything derived from a withdrawal psbt for the
// vault input. It is rebuilt on every call and never persisted.
type withdrawalSession struct {
	vaultId        uint64
	ptx            *psbt.Packet
	inputIndex     int
	leaf           *psbt.TaprootTapLeafScript
	tapLeaf        txscript.TapLeaf
	leafHash       chainhash.Hash
	merkleRoot     chainhash.Hash
	controlBlock   []byte
	prevoutFetcher txscript.PrevOutputFetcher
	sighash        []byte
	hashType       txscript.SigHashType
}

func (s *withdrawalSession) signatureRequired() *SignatureRequired {
	return &SignatureRequired{
		VaultId:      fmt.Sprintf("%d", s.vaultId),
		InputIndex:   s.inputIndex,
		Sighash:      hex.EncodeToString(s.sighash),
		TapleafHash:  hex.EncodeToString(s.leafHash[:]),
		ControlBlock: hex.EncodeToString(s.controlBlock),
		MerkleRoot:   hex.EncodeToString(s.merkleRoot[:]),
		HashType:     uint32(s.hashType),
	}
}

type withdrawalAnalyzer struct {
	node    ports.BitcoinNode
	network *chaincfg.Params
}

func newWithdrawalAnalyzer(node ports.BitcoinNode, network *chaincfg.Params) *withdrawalAnalyzer {
	return &withdrawalAnalyzer{node, network}
}

// decode parses tx as a psbt. Raw transactions are converted to psbts and
// enriched with utxo data by the node.
func (a *withdrawalAnalyzer) decode(
	ctx context.Context, vault domain.Vault, tx string,
) (*psbt.Packet, error) {
	if len(tx) == 0 {
		return nil, errors.MALFORMED_TRANSACTION.New("missing withdrawal transaction")
	}

	if !txutils.IsPacket(tx) {
		if _, err := txutils.DecodeTx(tx); err != nil {
			return nil, errors.MALFORMED_TRANSACTION.Wrap(err).
				WithMetadata(errors.PsbtMetadata{Tx: tx})
		}
		converted, err := a.node.ConvertToPsbt(ctx, tx)
		if err != nil {
			return nil, errors.NODE_UNAVAILABLE.Wrap(
				fmt.Errorf("failed to convert raw tx to psbt: %w", err),
			)
		}
		updated, err := a.node.UtxoUpdatePsbt(ctx, converted, []string{vault.Descriptor})
		if err != nil {
			return nil, errors.NODE_UNAVAILABLE.Wrap(
				fmt.Errorf("failed to attach utxo data to psbt: %w", err),
			)
		}
		tx = updated
	}

	ptx, err := txutils.DecodePacket(tx)
	if err != nil {
		var cbErr *txutils.ControlBlockError
		if errors.As(err, &cbErr) {
			return nil, errors.BAD_CONTROL_BLOCK.Wrap(err).WithMetadata(errors.ControlBlockMetadata{
				ControlBlock: hex.EncodeToString(cbErr.ControlBlock),
			})
		}
		return nil, errors.MALFORMED_TRANSACTION.Wrap(err).WithMetadata(errors.PsbtMetadata{Tx: tx})
	}
	if len(ptx.Inputs) != len(ptx.UnsignedTx.TxIn) {
		return nil, errors.MALFORMED_TRANSACTION.New(
			"psbt has %d inputs, unsigned tx has %d", len(ptx.Inputs), len(ptx.UnsignedTx.TxIn),
		).WithMetadata(errors.PsbtMetadata{Tx: tx})
	}
	return ptx, nil
}

func (a *withdrawalAnalyzer) analyze(
	ctx context.Context, vault domain.Vault, tx string,
) (*withdrawalSession, error) {
	ptx, err := a.decode(ctx, vault, tx)
	if err != nil {
		return nil, err
	}
	return a.analyzePacket(vault, ptx)
}

func (a *withdrawalAnalyzer) analyzePacket(
	vault domain.Vault, ptx *psbt.Packet,
) (*withdrawalSession, error) {
	vaultId := vault.IdString()

	scriptPathInputs := make([]int, 0, 1)
	for i, input := range ptx.Inputs {
		if len(input.TaprootLeafScript) > 0 {
			scriptPathInputs = append(scriptPathInputs, i)
		}
	}
	switch len(scriptPathInputs) {
	case 0:
		return nil, errors.VAULT_INPUT_MISSING.New("no input spends a taproot script path").
			WithMetadata(errors.VaultMetadata{VaultId: vaultId})
	case 1:
	default:
		return nil, errors.MULTIPLE_SCRIPT_PATH_INPUTS.New(
			"expected a single script path input, got %d", len(scriptPathInputs),
		).WithMetadata(errors.ScriptPathInputsMetadata{
			VaultId: vaultId, InputIndexes: scriptPathInputs,
		})
	}

	inputIndex := scriptPathInputs[0]
	input := ptx.Inputs[inputIndex]

	var leaf *psbt.TaprootTapLeafScript
	for _, l := range input.TaprootLeafScript {
		if script.ScriptContainsKey(l.Script, vault.ProtocolPublicKey) {
			leaf = l
			break
		}
	}
	if leaf == nil {
		return nil, errors.PROTOCOL_LEAF_NOT_FOUND.New(
			"no leaf of input %d commits to the protocol key", inputIndex,
		).WithMetadata(errors.InputMetadata{VaultId: vaultId, InputIndex: inputIndex})
	}

	if leaf.LeafVersion != vaultlib.LeafVersion {
		return nil, errors.UNSUPPORTED_LEAF_VERSION.New(
			"unsupported leaf version %#x", byte(leaf.LeafVersion),
		).WithMetadata(errors.LeafVersionMetadata{
			Expected: byte(vaultlib.LeafVersion), Got: byte(leaf.LeafVersion),
		})
	}

	controlBlock, err := txscript.ParseControlBlock(leaf.ControlBlock)
	if err != nil || leaf.ControlBlock[0]&0xfe != byte(vaultlib.LeafVersion) {
		if err == nil {
			err = fmt.Errorf("control block version %#x", leaf.ControlBlock[0])
		}
		return nil, errors.BAD_CONTROL_BLOCK.Wrap(err).WithMetadata(errors.ControlBlockMetadata{
			ControlBlock: hex.EncodeToString(leaf.ControlBlock),
		})
	}

	leafHash := script.LeafHash(leaf.LeafVersion, leaf.Script)
	path, err := script.SplitInclusionProof(controlBlock.InclusionProof)
	if err != nil {
		return nil, errors.BAD_CONTROL_BLOCK.Wrap(err).WithMetadata(errors.ControlBlockMetadata{
			ControlBlock: hex.EncodeToString(leaf.ControlBlock),
		})
	}
	merkleRoot, err := script.FoldMerklePath(leafHash, path)
	if err != nil {
		return nil, errors.BAD_CONTROL_BLOCK.Wrap(err).WithMetadata(errors.ControlBlockMetadata{
			ControlBlock: hex.EncodeToString(leaf.ControlBlock),
		})
	}

	prevoutFetcher, missingIndex, err := txutils.GetPrevOutputFetcher(ptx)
	if err != nil {
		return nil, errors.MISSING_PREVOUT.Wrap(err).WithMetadata(errors.InputMetadata{
			VaultId: vaultId, InputIndex: missingIndex,
		})
	}

	if err := a.checkVaultPrevout(vault, ptx, inputIndex); err != nil {
		return nil, err
	}

	hashType := input.SighashType
	if hashType == 0 {
		hashType = txscript.SigHashDefault
	}

	tapLeaf := txscript.NewTapLeaf(leaf.LeafVersion, leaf.Script)
	sighash, err := txutils.TapscriptSighash(ptx, inputIndex, prevoutFetcher, hashType, tapLeaf)
	if err != nil {
		return nil, errors.MALFORMED_TRANSACTION.Wrap(
			fmt.Errorf("failed to compute sighash: %w", err),
		)
	}

	log.WithFields(log.Fields{
		"vault_id":     vaultId,
		"input_index":  inputIndex,
		"tapleaf_hash": hex.EncodeToString(leafHash[:]),
	}).Debug("analyzed withdrawal psbt")

	return &withdrawalSession{
		vaultId:        vault.Id,
		ptx:            ptx,
		inputIndex:     inputIndex,
		leaf:           leaf,
		tapLeaf:        tapLeaf,
		leafHash:       leafHash,
		merkleRoot:     merkleRoot,
		controlBlock:   leaf.ControlBlock,
		prevoutFetcher: prevoutFetcher,
		sighash:        sighash,
		hashType:       hashType,
	}, nil
}

// checkVaultPrevout makes sure the script path input spends the vault output.
func (a *withdrawalAnalyzer) checkVaultPrevout(
	vault domain.Vault, ptx *psbt.Packet, inputIndex int,
) error {
	if len(vault.VaultAddress) == 0 {
		return nil
	}
	addr, err := btcutil.DecodeAddress(vault.VaultAddress, a.network)
	if err != nil {
		return errors.INTERNAL_ERROR.Wrap(fmt.Errorf("invalid stored vault address: %w", err))
	}
	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return errors.INTERNAL_ERROR.Wrap(err)
	}

	prevout, err := txutils.ResolvePrevout(ptx, inputIndex)
	if err != nil {
		return errors.MISSING_PREVOUT.Wrap(err).WithMetadata(errors.InputMetadata{
			VaultId: vault.IdString(), InputIndex: inputIndex,
		})
	}
	if !bytes.Equal(prevout.PkScript, pkScript) {
		return errors.VAULT_INPUT_MISSING.New(
			"input %d does not spend vault address %s", inputIndex, vault.VaultAddress,
		).WithMetadata(errors.VaultMetadata{VaultId: vault.IdString()})
	}
	return nil
}
