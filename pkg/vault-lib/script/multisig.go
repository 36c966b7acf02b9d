package script

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/txscript"
)

// MultisigClosure is an n-of-n tapscript in multi_a form:
// <k1> OP_CHECKSIG <k2> OP_CHECKSIGADD ... <n> OP_NUMEQUAL
type MultisigClosure struct {
	PubKeys []*btcec.PublicKey
}

func (f *MultisigClosure) Script() ([]byte, error) {
	if len(f.PubKeys) < 2 || len(f.PubKeys) > 16 {
		return nil, fmt.Errorf("multisig closure needs 2 to 16 keys, got %d", len(f.PubKeys))
	}

	builder := txscript.NewScriptBuilder()
	for i, key := range f.PubKeys {
		builder.AddData(schnorr.SerializePubKey(key))
		if i == 0 {
			builder.AddOp(txscript.OP_CHECKSIG)
		} else {
			builder.AddOp(txscript.OP_CHECKSIGADD)
		}
	}
	builder.AddInt64(int64(len(f.PubKeys)))
	builder.AddOp(txscript.OP_NUMEQUAL)

	return builder.Script()
}

func (f *MultisigClosure) Leaf() (*txscript.TapLeaf, error) {
	script, err := f.Script()
	if err != nil {
		return nil, err
	}
	leaf := txscript.NewBaseTapLeaf(script)
	return &leaf, nil
}

func (f *MultisigClosure) Decode(script []byte) (bool, error) {
	tokenizer := txscript.MakeScriptTokenizer(0, script)

	keys := make([]*btcec.PublicKey, 0, 2)
	for tokenizer.Next() {
		data := tokenizer.Data()
		if len(data) != schnorr.PubKeyBytesLen {
			break
		}
		key, err := schnorr.ParsePubKey(data)
		if err != nil {
			return false, err
		}
		keys = append(keys, key)

		if !tokenizer.Next() {
			return false, nil
		}
		expected := byte(txscript.OP_CHECKSIGADD)
		if len(keys) == 1 {
			expected = txscript.OP_CHECKSIG
		}
		if tokenizer.Opcode() != expected {
			return false, nil
		}
	}
	if err := tokenizer.Err(); err != nil {
		return false, err
	}
	if len(keys) < 2 {
		return false, nil
	}

	f.PubKeys = keys

	rebuilt, err := f.Script()
	if err != nil {
		return false, err
	}

	return bytes.Equal(rebuilt, script), nil
}

// ScriptContainsKey reports whether the hex encoding of script contains the
// given x-only key, case insensitive.
func ScriptContainsKey(script []byte, xonlyHex string) bool {
	if len(xonlyHex) == 0 {
		return false
	}
	return strings.Contains(hex.EncodeToString(script), strings.ToLower(xonlyHex))
}
