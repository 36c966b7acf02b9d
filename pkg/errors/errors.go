package errors

import (
	"encoding/json"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Kind classifies an error by how callers are expected to react to it.
type Kind uint8

const (
	// KindInternal is an unexpected failure of the daemon itself.
	KindInternal Kind = iota
	// KindValidation is a malformed request, never retried.
	KindValidation
	// KindStructural is a taproot or signature mismatch in an otherwise well formed request.
	KindStructural
	// KindTransient is a collaborator outage, safe to retry.
	KindTransient
	// KindConflict is a terminal state conflict such as a double withdrawal.
	KindConflict
	// KindNotFound is a missing ledger entry.
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindStructural:
		return "structural"
	case KindTransient:
		return "transient"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	default:
		return "internal"
	}
}

// Retryable reports whether an operation failing with this kind may succeed if repeated as is.
func (k Kind) Retryable() bool {
	return k == KindTransient
}

// Code is the type representing a namespace error code.
type Code[MT any] struct {
	Code uint16
	Name string
	Kind Kind
}

// New creates a new error with the given code and the message
func (c Code[MT]) New(msg string, args ...any) TypedError[MT] {
	return &ErrorImpl[MT]{
		code:  c,
		cause: fmt.Errorf(msg, args...),
	}
}

// Wrap creates a new Error with the given code and the cause error
func (c Code[MT]) Wrap(cause error) TypedError[MT] {
	return &ErrorImpl[MT]{
		code:  c,
		cause: cause,
	}
}

// Is reports whether err carries this code.
func (c Code[MT]) Is(err error) bool {
	var e Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Code() == c.Code
}

func (c Code[MT]) String() string {
	return fmt.Sprintf("%s (%d)", c.Name, c.Code)
}

type Error interface {
	error
	Log() *log.Entry
	Code() uint16
	CodeName() string
	Kind() Kind
	Metadata() map[string]string
}

type TypedError[MT any] interface {
	Error
	WithMetadata(MT) TypedError[MT]
}

// ErrorImpl is the default concrete implementation of TypedError.
type ErrorImpl[MT any] struct {
	code     Code[MT]
	cause    error
	metadata MT
}

func (e *ErrorImpl[MT]) Log() *log.Entry {
	return log.WithField("name", e.code.Name).
		WithField("code", e.code.Code).
		WithField("kind", e.code.Kind.String()).
		WithField("metadata", e.metadata)
}

func (e *ErrorImpl[MT]) Metadata() map[string]string {
	// convert any metadata to map[string]string
	metadata := make(map[string]string)
	buf, err := json.Marshal(e.metadata)
	if err == nil {
		var genericMap map[string]any
		if err := json.Unmarshal(buf, &genericMap); err == nil {
			for k, v := range genericMap {
				vStr := ""
				if v != nil {
					vStr = fmt.Sprintf("%v", v)
				}
				metadata[k] = vStr
			}
		}
	}
	return metadata
}

func (e *ErrorImpl[MT]) Kind() Kind {
	return e.code.Kind
}

func (e *ErrorImpl[MT]) Code() uint16 {
	return e.code.Code
}

func (e *ErrorImpl[MT]) CodeName() string {
	return e.code.Name
}

// Error() implements the error interface.
func (e *ErrorImpl[MT]) Error() string {
	return fmt.Sprintf("%s: %s", e.code.String(), e.cause.Error())
}

func (e *ErrorImpl[MT]) Unwrap() error {
	return e.cause
}

func (e *ErrorImpl[MT]) WithMetadata(metadata MT) TypedError[MT] {
	e.metadata = metadata
	return e
}

// Is and As mirror the standard library so that callers importing this
// package as errors can still match sentinel errors.
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target any) bool { return errors.As(err, target) }

// KindOf returns the kind of err, KindInternal if err is not a typed error.
func KindOf(err error) Kind {
	var e Error
	if errors.As(err, &e) {
		return e.Kind()
	}
	return KindInternal
}

type VaultMetadata struct {
	VaultId string `json:"vault_id"`
}

type KeyMetadata struct {
	Key    string `json:"key"`
	Length int    `json:"length"`
}

type PsbtMetadata struct {
	Tx string `json:"tx"`
}

type InputMetadata struct {
	VaultId    string `json:"vault_id"`
	InputIndex int    `json:"input_index"`
}

type ScriptPathInputsMetadata struct {
	VaultId      string `json:"vault_id"`
	InputIndexes []int  `json:"input_indexes"`
}

type LeafVersionMetadata struct {
	Expected uint8 `json:"expected"`
	Got      uint8 `json:"got"`
}

type ControlBlockMetadata struct {
	ControlBlock string `json:"control_block"`
}

type UserSignatureMetadata struct {
	VaultId     string `json:"vault_id"`
	TapleafHash string `json:"tapleaf_hash"`
}

type HashTypeMetadata struct {
	Signer       string `json:"signer"`
	SignatureLen int    `json:"signature_len"`
	Declared     uint32 `json:"declared"`
}

type WithdrawnMetadata struct {
	VaultId      string `json:"vault_id"`
	WithdrawTxid string `json:"withdraw_txid"`
}

type RescanMetadata struct {
	Wallet  string `json:"wallet"`
	Timeout string `json:"timeout"`
}

type TxMetadata struct {
	Txid string `json:"txid"`
}

type AddressMetadata struct {
	Field   string `json:"field"`
	Address string `json:"address"`
}

var INTERNAL_ERROR = Code[map[string]any]{0, "INTERNAL_ERROR", KindInternal}
var INVALID_KEY_ENCODING = Code[KeyMetadata]{1, "INVALID_KEY_ENCODING", KindValidation}
var MALFORMED_TRANSACTION = Code[PsbtMetadata]{2, "MALFORMED_TRANSACTION", KindValidation}
var INVALID_VAULT_ID = Code[VaultMetadata]{3, "INVALID_VAULT_ID", KindValidation}
var VAULT_NOT_FOUND = Code[VaultMetadata]{4, "VAULT_NOT_FOUND", KindNotFound}
var VAULT_INPUT_MISSING = Code[VaultMetadata]{5, "VAULT_INPUT_MISSING", KindStructural}
var MULTIPLE_SCRIPT_PATH_INPUTS = Code[ScriptPathInputsMetadata]{
	6,
	"MULTIPLE_SCRIPT_PATH_INPUTS",
	KindStructural,
}
var PROTOCOL_LEAF_NOT_FOUND = Code[InputMetadata]{7, "PROTOCOL_LEAF_NOT_FOUND", KindStructural}
var UNSUPPORTED_LEAF_VERSION = Code[LeafVersionMetadata]{
	8,
	"UNSUPPORTED_LEAF_VERSION",
	KindStructural,
}
var BAD_CONTROL_BLOCK = Code[ControlBlockMetadata]{9, "BAD_CONTROL_BLOCK", KindStructural}
var MISSING_PREVOUT = Code[InputMetadata]{10, "MISSING_PREVOUT", KindStructural}
var USER_SIGNATURE_MISSING = Code[UserSignatureMetadata]{
	11,
	"USER_SIGNATURE_MISSING",
	KindStructural,
}
var USER_SIGNATURE_WRONG_LEAF = Code[UserSignatureMetadata]{
	12,
	"USER_SIGNATURE_WRONG_LEAF",
	KindStructural,
}
var SIGNATURE_HASHTYPE_MISMATCH = Code[HashTypeMetadata]{
	13,
	"SIGNATURE_HASHTYPE_MISMATCH",
	KindStructural,
}
var INVALID_SIGNATURE = Code[UserSignatureMetadata]{14, "INVALID_SIGNATURE", KindStructural}
var WITHDRAW_FINALIZE_INCOMPLETE = Code[VaultMetadata]{
	15,
	"WITHDRAW_FINALIZE_INCOMPLETE",
	KindStructural,
}
var VAULT_ALREADY_WITHDRAWN = Code[WithdrawnMetadata]{
	16,
	"VAULT_ALREADY_WITHDRAWN",
	KindConflict,
}
var WALLET_RESCAN_TIMEOUT = Code[RescanMetadata]{17, "WALLET_RESCAN_TIMEOUT", KindTransient}
var VAULT_NOT_PENDING = Code[VaultMetadata]{18, "VAULT_NOT_PENDING", KindNotFound}
var NODE_UNAVAILABLE = Code[map[string]any]{19, "NODE_UNAVAILABLE", KindTransient}
var ORACLE_UNAVAILABLE = Code[VaultMetadata]{20, "ORACLE_UNAVAILABLE", KindTransient}
var BROADCAST_FAILED = Code[TxMetadata]{21, "BROADCAST_FAILED", KindTransient}
var WITHDRAW_IN_PROGRESS = Code[VaultMetadata]{22, "WITHDRAW_IN_PROGRESS", KindConflict}
var VAULT_ADDRESS_MISMATCH = Code[VaultMetadata]{23, "VAULT_ADDRESS_MISMATCH", KindInternal}
var INVALID_ADDRESS = Code[AddressMetadata]{24, "INVALID_ADDRESS", KindValidation}
