package ports

import (
	"context"
	"errors"
)

var (
	ErrTxNotFound     = errors.New("transaction not found")
	ErrNodeConnection = errors.New("node unreachable")
)

// DescriptorImport is one entry of an importdescriptors request. A nil
// RescanFrom imports with timestamp "now" and skips the historical rescan.
type DescriptorImport struct {
	Descriptor string
	Label      string
	RescanFrom *int64
}

type WalletInfo struct {
	Name         string
	Scanning     bool
	ScanProgress float64
	ScanDuration int64
}

// TxOutput is either a payment to Address or, when Data is set, an OP_RETURN
// output carrying Data.
type TxOutput struct {
	Address string
	Amount  uint64
	Data    []byte
}

type FundPsbtOptions struct {
	FeeRate       float64
	ChangeAddress string
	SolvingKeys   []string
}

type FundedPsbt struct {
	Psbt      string
	FeeBtc    float64
	ChangePos int
}

type FinalizedPsbt struct {
	Psbt     string
	Hex      string
	Complete bool
}

type Utxo struct {
	Txid         string
	Vout         uint32
	Amount       uint64
	ScriptPubKey string
}

type TxStatus struct {
	Txid          string
	Confirmations uint32
	BlockHash     string
}

// BitcoinNode is the subset of the bitcoind JSON-RPC interface the daemon
// relies on. Wallet scoped calls take the wallet name explicitly.
type BitcoinNode interface {
	// EnsureWallet loads the named watch-only wallet, creating it if it does not
	// exist yet.
	EnsureWallet(ctx context.Context, wallet string) error
	ImportDescriptors(ctx context.Context, wallet string, descriptors []DescriptorImport) error
	GetWalletInfo(ctx context.Context, wallet string) (*WalletInfo, error)
	DeriveAddress(ctx context.Context, descriptor string) (string, error)
	// ScanUtxos lists the unspent outputs of the chain UTXO set matching the descriptors.
	ScanUtxos(ctx context.Context, descriptors []string) ([]Utxo, error)
	WalletCreateFundedPsbt(
		ctx context.Context, wallet string, outputs []TxOutput, opts FundPsbtOptions,
	) (*FundedPsbt, error)
	ConvertToPsbt(ctx context.Context, rawTx string) (string, error)
	UtxoUpdatePsbt(ctx context.Context, ptx string, descriptors []string) (string, error)
	CombinePsbt(ctx context.Context, ptxs []string) (string, error)
	FinalizePsbt(ctx context.Context, ptx string) (*FinalizedPsbt, error)
	BroadcastTransaction(ctx context.Context, txHex string) (string, error)
	// GetTransaction returns ErrTxNotFound when the node knows nothing about txid.
	GetTransaction(ctx context.Context, txid string) (*TxStatus, error)
	GetBlockCount(ctx context.Context) (int64, error)
	Close()
}
