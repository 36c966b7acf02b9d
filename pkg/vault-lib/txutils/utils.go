package txutils

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// DecodePacket parses a PSBT given either in base64 or in hex.
func DecodePacket(encoded string) (*psbt.Packet, error) {
	encoded = strings.TrimSpace(encoded)
	if len(encoded) == 0 {
		return nil, fmt.Errorf("empty psbt")
	}

	raw, err := hex.DecodeString(encoded)
	if err != nil {
		if raw, err = base64.StdEncoding.DecodeString(encoded); err != nil {
			return nil, fmt.Errorf("psbt is neither hex nor base64")
		}
	}

	ptx, err := psbt.NewFromRawBytes(bytes.NewReader(raw), false)
	if err != nil {
		if cbErr := findBadControlBlock(raw); cbErr != nil {
			return nil, cbErr
		}
		return nil, err
	}
	return ptx, nil
}

// IsPacket reports whether encoded looks like a PSBT rather than a raw transaction.
func IsPacket(encoded string) bool {
	encoded = strings.TrimSpace(encoded)
	// "cHNidP" is the base64 encoding of the psbt magic bytes
	return strings.HasPrefix(encoded, "cHNidP") ||
		strings.HasPrefix(strings.ToLower(encoded), "70736274ff")
}

// DecodeTx parses a raw transaction in hex.
func DecodeTx(rawHex string) (*wire.MsgTx, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(rawHex))
	if err != nil {
		return nil, err
	}
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return &tx, nil
}

// EncodeTx serializes tx to hex, witness included.
func EncodeTx(tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

func ReadTxWitness(witnessSerialized []byte) (wire.TxWitness, error) {
	r := bytes.NewReader(witnessSerialized)

	// first we extract the number of witness elements
	witCount, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, err
	}

	// read each witness item
	witness := make(wire.TxWitness, witCount)
	for i := range witCount {
		witness[i], err = wire.ReadVarBytes(r, 0, txscript.MaxScriptSize, "witness")
		if err != nil {
			return nil, err
		}
	}

	return witness, nil
}

// WriteTxWitness serializes witness in the FinalScriptWitness format.
func WriteTxWitness(witness wire.TxWitness) ([]byte, error) {
	var buf bytes.Buffer
	if err := psbt.WriteTxWitness(&buf, witness); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ResolvePrevout returns the output spent by the given input: the witness utxo
// when attached, else the referenced output of the full previous transaction.
func ResolvePrevout(tx *psbt.Packet, inputIndex int) (*wire.TxOut, error) {
	if inputIndex < 0 || inputIndex >= len(tx.Inputs) {
		return nil, fmt.Errorf("input index out of bounds %d, len(inputs)=%d", inputIndex, len(tx.Inputs))
	}

	input := tx.Inputs[inputIndex]
	if input.WitnessUtxo != nil {
		return input.WitnessUtxo, nil
	}

	outpoint := tx.UnsignedTx.TxIn[inputIndex].PreviousOutPoint
	if input.NonWitnessUtxo != nil {
		prevTxHash := input.NonWitnessUtxo.TxHash()
		if !prevTxHash.IsEqual(&outpoint.Hash) {
			return nil, fmt.Errorf(
				"non witness utxo of input #%d has txid %s, expected %s",
				inputIndex, prevTxHash, outpoint.Hash,
			)
		}
		if int(outpoint.Index) >= len(input.NonWitnessUtxo.TxOut) {
			return nil, fmt.Errorf(
				"non witness utxo of input #%d has no output %d", inputIndex, outpoint.Index,
			)
		}
		return input.NonWitnessUtxo.TxOut[outpoint.Index], nil
	}

	return nil, fmt.Errorf("missing witness utxo on input #%d", inputIndex)
}

// GetPrevOutputFetcher computes a prevout fetcher over every input of tx.
// It returns the index of the first input whose prevout cannot be resolved.
func GetPrevOutputFetcher(tx *psbt.Packet) (*txscript.MultiPrevOutFetcher, int, error) {
	if len(tx.Inputs) != len(tx.UnsignedTx.TxIn) {
		return nil, -1, fmt.Errorf(
			"malformed tx: number of psbt inputs (%d) does not match number of tx inputs (%d)",
			len(tx.Inputs), len(tx.UnsignedTx.TxIn),
		)
	}

	prevouts := make(map[wire.OutPoint]*wire.TxOut)
	for i := range tx.Inputs {
		prevout, err := ResolvePrevout(tx, i)
		if err != nil {
			return nil, i, err
		}
		prevouts[tx.UnsignedTx.TxIn[i].PreviousOutPoint] = prevout
	}

	return txscript.NewMultiPrevOutFetcher(prevouts), -1, nil
}

// EncodeTaprootSignature appends the sighash type to a 64-byte signature unless it is the default.
func EncodeTaprootSignature(sig []byte, sigHashType txscript.SigHashType) []byte {
	if sigHashType == txscript.SigHashDefault {
		return sig
	}
	return append(append([]byte{}, sig...), byte(sigHashType))
}
