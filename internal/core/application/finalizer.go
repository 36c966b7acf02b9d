package application

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	log "github.com/sirupsen/logrus"
	"github.com/usdb-labs/vaultd/internal/core/ports"
	"github.com/usdb-labs/vaultd/pkg/errors"
	"github.com/usdb-labs/vaultd/pkg/vault-lib/txutils"
)

const (
	userSigner     = "user"
	protocolSigner = "protocol"
)

type finalizedWithdrawal struct {
	txid        string
	hex         string
	psbt        string
	broadcasted bool
}

type witnessFinalizer struct {
	node ports.BitcoinNode
}

func newWitnessFinalizer(node ports.BitcoinNode) *witnessFinalizer {
	return &witnessFinalizer{node}
}

// normalizeSignature returns the 64-byte schnorr signature after checking its
// encoding against the declared sighash type.
func normalizeSignature(
	signer string, sig []byte, declared txscript.SigHashType,
) ([]byte, error) {
	mismatch := func() error {
		return errors.SIGNATURE_HASHTYPE_MISMATCH.New(
			"%s signature of %d bytes does not match sighash type %#x", signer, len(sig), declared,
		).WithMetadata(errors.HashTypeMetadata{
			Signer: signer, SignatureLen: len(sig), Declared: uint32(declared),
		})
	}

	switch len(sig) {
	case 64:
		if declared != txscript.SigHashDefault {
			return nil, mismatch()
		}
		return sig, nil
	case 65:
		if declared == txscript.SigHashDefault || txscript.SigHashType(sig[64]) != declared {
			return nil, mismatch()
		}
		return sig[:64], nil
	default:
		return nil, mismatch()
	}
}

// finalize verifies both signatures, writes the script path witness of the
// vault input and extracts the network transaction, optionally broadcasting it.
// The session psbt is consumed.
func (f *witnessFinalizer) finalize(
	ctx context.Context, session *withdrawalSession,
	userKey, userSig, protocolKey, protocolSig []byte, broadcast bool,
) (*finalizedWithdrawal, error) {
	vaultId := fmt.Sprintf("%d", session.vaultId)
	leafHash := hex.EncodeToString(session.leafHash[:])

	userSig, err := normalizeSignature(userSigner, userSig, session.hashType)
	if err != nil {
		return nil, err
	}
	protocolSig, err = normalizeSignature(protocolSigner, protocolSig, session.hashType)
	if err != nil {
		return nil, err
	}

	for _, s := range []struct {
		signer string
		key    []byte
		sig    []byte
	}{
		{userSigner, userKey, userSig},
		{protocolSigner, protocolKey, protocolSig},
	} {
		if err := txutils.VerifySchnorr(s.key, s.sig, session.sighash); err != nil {
			return nil, errors.INVALID_SIGNATURE.Wrap(
				fmt.Errorf("%s signature: %w", s.signer, err),
			).WithMetadata(errors.UserSignatureMetadata{VaultId: vaultId, TapleafHash: leafHash})
		}
	}

	witness := wire.TxWitness{
		txutils.EncodeTaprootSignature(userSig, session.hashType),
		txutils.EncodeTaprootSignature(protocolSig, session.hashType),
		session.leaf.Script,
		session.controlBlock,
	}
	serializedWitness, err := txutils.WriteTxWitness(witness)
	if err != nil {
		return nil, errors.INTERNAL_ERROR.Wrap(fmt.Errorf("failed to serialize witness: %w", err))
	}

	ptx := session.ptx
	clearScriptPathFields(&ptx.Inputs[session.inputIndex])
	ptx.Inputs[session.inputIndex].FinalScriptWitness = serializedWitness

	tx, finalPsbt, err := f.extract(ctx, vaultId, ptx)
	if err != nil {
		return nil, err
	}

	if err := verifyVaultInput(tx, session); err != nil {
		return nil, errors.INVALID_SIGNATURE.Wrap(err).
			WithMetadata(errors.UserSignatureMetadata{VaultId: vaultId, TapleafHash: leafHash})
	}

	txHex, err := txutils.EncodeTx(tx)
	if err != nil {
		return nil, errors.INTERNAL_ERROR.Wrap(err)
	}
	result := &finalizedWithdrawal{
		txid: tx.TxHash().String(),
		hex:  txHex,
		psbt: finalPsbt,
	}

	if !broadcast {
		return result, nil
	}
	if err := f.broadcast(ctx, result.txid, txHex); err != nil {
		return nil, err
	}
	result.broadcasted = true
	return result, nil
}

// extract returns the network transaction, delegating to the node when other
// inputs are not final yet.
func (f *witnessFinalizer) extract(
	ctx context.Context, vaultId string, ptx *psbt.Packet,
) (*wire.MsgTx, string, error) {
	encoded, err := ptx.B64Encode()
	if err != nil {
		return nil, "", errors.INTERNAL_ERROR.Wrap(err)
	}

	allFinal := true
	for _, in := range ptx.Inputs {
		if len(in.FinalScriptWitness) == 0 && len(in.FinalScriptSig) == 0 {
			allFinal = false
			break
		}
	}
	if allFinal {
		tx, err := psbt.Extract(ptx)
		if err != nil {
			return nil, "", errors.WITHDRAW_FINALIZE_INCOMPLETE.Wrap(err).
				WithMetadata(errors.VaultMetadata{VaultId: vaultId})
		}
		return tx, encoded, nil
	}

	finalized, err := f.node.FinalizePsbt(ctx, encoded)
	if err != nil {
		return nil, "", errors.NODE_UNAVAILABLE.Wrap(fmt.Errorf("failed to finalize psbt: %w", err))
	}
	if !finalized.Complete || len(finalized.Hex) == 0 {
		return nil, "", errors.WITHDRAW_FINALIZE_INCOMPLETE.New(
			"node could not finalize every input",
		).WithMetadata(errors.VaultMetadata{VaultId: vaultId})
	}
	tx, err := txutils.DecodeTx(finalized.Hex)
	if err != nil {
		return nil, "", errors.INTERNAL_ERROR.Wrap(
			fmt.Errorf("failed to decode finalized tx: %w", err),
		)
	}
	if len(finalized.Psbt) > 0 {
		encoded = finalized.Psbt
	}
	return tx, encoded, nil
}

// broadcast is idempotent, a transaction the node already knows is not sent again.
func (f *witnessFinalizer) broadcast(ctx context.Context, txid, txHex string) error {
	if _, err := f.node.GetTransaction(ctx, txid); err == nil {
		log.WithField("txid", txid).Info("withdrawal tx already known by the node")
		return nil
	} else if !errors.Is(err, ports.ErrTxNotFound) {
		return errors.NODE_UNAVAILABLE.Wrap(fmt.Errorf("failed to look up tx %s: %w", txid, err))
	}

	broadcastedTxid, err := f.node.BroadcastTransaction(ctx, txHex)
	if err != nil {
		return errors.BROADCAST_FAILED.Wrap(err).WithMetadata(errors.TxMetadata{Txid: txid})
	}
	if broadcastedTxid != txid {
		log.Warnf("node returned txid %s for broadcasted tx %s", broadcastedTxid, txid)
	}
	log.WithField("txid", txid).Info("broadcasted withdrawal tx")
	return nil
}

func clearScriptPathFields(in *psbt.PInput) {
	in.PartialSigs = nil
	in.SighashType = 0
	in.Bip32Derivation = nil
	in.TaprootKeySpendSig = nil
	in.TaprootScriptSpendSig = nil
	in.TaprootLeafScript = nil
	in.TaprootBip32Derivation = nil
	in.TaprootInternalKey = nil
	in.TaprootMerkleRoot = nil
}

// verifyVaultInput runs the script engine against the finalized vault input.
func verifyVaultInput(tx *wire.MsgTx, session *withdrawalSession) error {
	prevout := session.prevoutFetcher.FetchPrevOutput(
		tx.TxIn[session.inputIndex].PreviousOutPoint,
	)
	if prevout == nil {
		return fmt.Errorf("missing prevout for input %d", session.inputIndex)
	}

	engine, err := txscript.NewEngine(
		prevout.PkScript, tx, session.inputIndex, txscript.StandardVerifyFlags, nil,
		txscript.NewTxSigHashes(tx, session.prevoutFetcher), prevout.Value,
		session.prevoutFetcher,
	)
	if err != nil {
		return err
	}
	if err := engine.Execute(); err != nil {
		return fmt.Errorf(
			"witness of input %d fails script verification: %w", session.inputIndex, err,
		)
	}
	log.Debugf("witness of input %d verified", session.inputIndex)
	return nil
}
