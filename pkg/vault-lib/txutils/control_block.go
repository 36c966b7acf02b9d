package txutils

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

const (
	psbtGlobalUnsignedTx   = 0x00
	psbtInputTapLeafScript = 0x15
	psbtMagicLen           = 5
)

var psbtMagic = []byte{0x70, 0x73, 0x62, 0x74, 0xff}

// ControlBlockError is returned by DecodePacket when an input carries a
// PSBT_IN_TAP_LEAF_SCRIPT key whose control block has an invalid size.
type ControlBlockError struct {
	InputIndex   int
	ControlBlock []byte
}

func (e *ControlBlockError) Error() string {
	return fmt.Sprintf(
		"input #%d: invalid control block size %d", e.InputIndex, len(e.ControlBlock),
	)
}

func validControlBlockSize(size int) bool {
	return size >= txscript.ControlBlockBaseSize && size <= txscript.ControlBlockMaxSize &&
		(size-txscript.ControlBlockBaseSize)%txscript.ControlBlockNodeSize == 0
}

// findBadControlBlock walks the key-value maps of a serialized psbt and
// returns the first tap leaf script key with a malformed control block, or
// nil if there's none or the maps can't be walked.
func findBadControlBlock(raw []byte) *ControlBlockError {
	if len(raw) < psbtMagicLen || !bytes.Equal(raw[:psbtMagicLen], psbtMagic) {
		return nil
	}
	r := bytes.NewReader(raw[psbtMagicLen:])

	numInputs := -1
	if err := readKeyValueMap(r, func(key, value []byte) {
		if len(key) == 1 && key[0] == psbtGlobalUnsignedTx {
			var tx wire.MsgTx
			if err := tx.DeserializeNoWitness(bytes.NewReader(value)); err == nil {
				numInputs = len(tx.TxIn)
			}
		}
	}); err != nil {
		return nil
	}

	for i := 0; i < numInputs; i++ {
		var bad *ControlBlockError
		err := readKeyValueMap(r, func(key, _ []byte) {
			if bad == nil && key[0] == psbtInputTapLeafScript && !validControlBlockSize(len(key)-1) {
				bad = &ControlBlockError{InputIndex: i, ControlBlock: key[1:]}
			}
		})
		if bad != nil {
			return bad
		}
		if err != nil {
			return nil
		}
	}
	return nil
}

// readKeyValueMap reads key-value pairs up to the map separator.
func readKeyValueMap(r *bytes.Reader, fn func(key, value []byte)) error {
	for {
		key, err := wire.ReadVarBytes(r, 0, uint32(r.Len()), "psbt key")
		if err != nil {
			return err
		}
		if len(key) == 0 {
			return nil
		}
		value, err := wire.ReadVarBytes(r, 0, uint32(r.Len()), "psbt value")
		if err != nil {
			return err
		}
		fn(key, value)
	}
}
