package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// generateErrorFixtures creates test fixtures with sample metadata for the error codes
func generateErrorFixtures() []Error {
	return []Error{
		INTERNAL_ERROR.New("unexpected failure").
			WithMetadata(map[string]any{
				"component": "ledger",
				"operation": "update",
			}),

		INVALID_KEY_ENCODING.New("invalid public key").
			WithMetadata(KeyMetadata{Key: "02abcd", Length: 3}),

		MALFORMED_TRANSACTION.New("failed to decode psbt").
			WithMetadata(PsbtMetadata{Tx: "cHNidP8BAA=="}),

		VAULT_NOT_FOUND.New("vault 42 not found").
			WithMetadata(VaultMetadata{VaultId: "42"}),

		MULTIPLE_SCRIPT_PATH_INPUTS.New("more than one script path input").
			WithMetadata(ScriptPathInputsMetadata{VaultId: "42", InputIndexes: []int{0, 2}}),

		PROTOCOL_LEAF_NOT_FOUND.New("no leaf commits to the protocol key").
			WithMetadata(InputMetadata{VaultId: "42", InputIndex: 1}),

		UNSUPPORTED_LEAF_VERSION.New("unsupported leaf version").
			WithMetadata(LeafVersionMetadata{Expected: 0xc0, Got: 0xc2}),

		SIGNATURE_HASHTYPE_MISMATCH.New("hash type mismatch").
			WithMetadata(HashTypeMetadata{Signer: "user", SignatureLen: 65, Declared: 1}),

		VAULT_ALREADY_WITHDRAWN.New("vault already withdrawn").
			WithMetadata(WithdrawnMetadata{VaultId: "42", WithdrawTxid: "ab"}),

		WALLET_RESCAN_TIMEOUT.New("rescan did not complete").
			WithMetadata(RescanMetadata{Wallet: "vault-42", Timeout: "5m0s"}),

		INVALID_ADDRESS.New("invalid payment address").
			WithMetadata(AddressMetadata{Field: "payment", Address: "bc1qnotregtest"}),
	}
}

func TestErrorMetadata(t *testing.T) {
	fixtures := generateErrorFixtures()

	for _, err := range fixtures {
		require.NotNil(t, err)
		require.NotEmpty(t, err.Error())
		require.NotEmpty(t, err.CodeName())
		require.NotEmpty(t, err.Metadata())
		require.NotNil(t, err.Log())
	}

	err := UNSUPPORTED_LEAF_VERSION.New("unsupported leaf version").
		WithMetadata(LeafVersionMetadata{Expected: 0xc0, Got: 0xc2})
	require.Equal(t, map[string]string{"expected": "192", "got": "194"}, err.Metadata())
	require.Equal(t, "UNSUPPORTED_LEAF_VERSION (8): unsupported leaf version", err.Error())
}

func TestErrorKind(t *testing.T) {
	testCases := []struct {
		err       error
		kind      Kind
		retryable bool
	}{
		{INVALID_VAULT_ID.New("bad id"), KindValidation, false},
		{BAD_CONTROL_BLOCK.New("bad control block"), KindStructural, false},
		{NODE_UNAVAILABLE.New("connection refused"), KindTransient, true},
		{ORACLE_UNAVAILABLE.New("timeout"), KindTransient, true},
		{WITHDRAW_IN_PROGRESS.New("locked"), KindConflict, false},
		{VAULT_NOT_PENDING.New("no pending mint"), KindNotFound, false},
		{fmt.Errorf("plain error"), KindInternal, false},
	}

	for _, tc := range testCases {
		t.Run(tc.kind.String(), func(t *testing.T) {
			kind := KindOf(tc.err)
			require.Equal(t, tc.kind, kind)
			require.Equal(t, tc.retryable, kind.Retryable())
		})
	}
}

func TestErrorWrapping(t *testing.T) {
	cause := fmt.Errorf("connection reset")
	err := fmt.Errorf("failed to broadcast: %w", BROADCAST_FAILED.Wrap(cause))

	require.True(t, BROADCAST_FAILED.Is(err))
	require.False(t, NODE_UNAVAILABLE.Is(err))
	require.ErrorIs(t, err, cause)
	require.Equal(t, KindTransient, KindOf(err))
}
