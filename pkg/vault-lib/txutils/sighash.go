package txutils

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
)

// TapscriptSighash computes the BIP-341 script path signature hash of the given input.
func TapscriptSighash(
	tx *psbt.Packet, inputIndex int, prevoutFetcher txscript.PrevOutputFetcher,
	hashType txscript.SigHashType, leaf txscript.TapLeaf,
) ([]byte, error) {
	if inputIndex < 0 || inputIndex >= len(tx.UnsignedTx.TxIn) {
		return nil, fmt.Errorf("input index out of bounds %d", inputIndex)
	}
	return txscript.CalcTapscriptSignaturehash(
		txscript.NewTxSigHashes(tx.UnsignedTx, prevoutFetcher),
		hashType,
		tx.UnsignedTx,
		inputIndex,
		prevoutFetcher,
		leaf,
	)
}

// VerifySchnorr checks a 64-byte BIP-340 signature of msg under the x-only key.
func VerifySchnorr(xonlyKey, sig, msg []byte) error {
	if len(sig) != schnorr.SignatureSize {
		return fmt.Errorf("invalid signature length %d", len(sig))
	}
	pubkey, err := schnorr.ParsePubKey(xonlyKey)
	if err != nil {
		return fmt.Errorf("invalid signer key: %w", err)
	}
	parsed, err := schnorr.ParseSignature(sig)
	if err != nil {
		return fmt.Errorf("invalid signature encoding: %w", err)
	}
	if !parsed.Verify(msg, pubkey) {
		return fmt.Errorf("signature does not verify")
	}
	return nil
}
