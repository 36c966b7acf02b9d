package bitcoind

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/rpcclient"
	log "github.com/sirupsen/logrus"
	"github.com/usdb-labs/vaultd/internal/core/ports"
	"github.com/usdb-labs/vaultd/pkg/vault-lib/txutils"
)

// bitcoind error codes, see src/rpc/protocol.h
const (
	rpcWalletError         btcjson.RPCErrorCode = -4
	rpcInvalidAddressOrKey btcjson.RPCErrorCode = -5
	rpcWalletNotFound      btcjson.RPCErrorCode = -18
	rpcAlreadyInChain      btcjson.RPCErrorCode = -27
	rpcWalletAlreadyLoaded btcjson.RPCErrorCode = -35
)

type Config struct {
	Host       string
	User       string
	Password   string
	DisableTLS bool
}

type service struct {
	cfg Config
	// rpcclient only posts to the root path
	client *rpcclient.Client
	wallet *walletClient
}

func NewService(cfg Config) (ports.BitcoinNode, error) {
	cfg.Host = strings.TrimSuffix(cfg.Host, "/")
	for _, scheme := range []string{"http://", "https://"} {
		if strings.HasPrefix(cfg.Host, scheme) {
			cfg.DisableTLS = scheme == "http://"
			cfg.Host = strings.TrimPrefix(cfg.Host, scheme)
		}
	}
	if cfg.Host == "" {
		return nil, fmt.Errorf("missing node host")
	}

	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Password,
		HTTPPostMode: true,
		DisableTLS:   cfg.DisableTLS,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create rpc client: %w", err)
	}

	return &service{
		cfg:    cfg,
		client: client,
		wallet: newWalletClient(cfg),
	}, nil
}

func (s *service) EnsureWallet(ctx context.Context, wallet string) error {
	var loaded []string
	if err := s.call(ctx, "", "listwallets", &loaded); err != nil {
		return err
	}
	for _, name := range loaded {
		if name == wallet {
			return nil
		}
	}

	var walletDir struct {
		Wallets []struct {
			Name string `json:"name"`
		} `json:"wallets"`
	}
	if err := s.call(ctx, "", "listwalletdir", &walletDir); err != nil {
		return err
	}
	for _, w := range walletDir.Wallets {
		if w.Name == wallet {
			return s.loadWallet(ctx, wallet)
		}
	}

	// name, disable_private_keys, blank, passphrase, avoid_reuse, descriptors, load_on_startup
	err := s.call(ctx, "", "createwallet", nil, wallet, true, true, "", false, true, true)
	if rpcErrorCode(err) == rpcWalletError {
		// created by a concurrent caller in the meantime
		return s.loadWallet(ctx, wallet)
	}
	if err != nil {
		return err
	}
	log.WithField("wallet", wallet).Debug("created watch-only wallet")
	return nil
}

func (s *service) ImportDescriptors(
	ctx context.Context, wallet string, descriptors []ports.DescriptorImport,
) error {
	type importRequest struct {
		Desc      string      `json:"desc"`
		Timestamp interface{} `json:"timestamp"`
		Active    bool        `json:"active"`
		Label     string      `json:"label,omitempty"`
	}
	requests := make([]importRequest, 0, len(descriptors))
	for _, d := range descriptors {
		var timestamp interface{} = "now"
		if d.RescanFrom != nil {
			timestamp = *d.RescanFrom
		}
		requests = append(requests, importRequest{
			Desc:      d.Descriptor,
			Timestamp: timestamp,
			Label:     d.Label,
		})
	}

	var results []struct {
		Success bool              `json:"success"`
		Error   *btcjson.RPCError `json:"error,omitempty"`
	}
	if err := s.call(ctx, wallet, "importdescriptors", &results, requests); err != nil {
		return err
	}
	for i, res := range results {
		if res.Success {
			continue
		}
		if res.Error != nil {
			return fmt.Errorf("failed to import descriptor %d: %w", i, res.Error)
		}
		return fmt.Errorf("failed to import descriptor %d", i)
	}
	return nil
}

func (s *service) GetWalletInfo(ctx context.Context, wallet string) (*ports.WalletInfo, error) {
	var info struct {
		WalletName string          `json:"walletname"`
		Scanning   json.RawMessage `json:"scanning"`
	}
	if err := s.call(ctx, wallet, "getwalletinfo", &info); err != nil {
		return nil, err
	}

	walletInfo := &ports.WalletInfo{Name: info.WalletName}
	// scanning is false when idle, an object while a rescan is running
	var scan struct {
		Duration int64   `json:"duration"`
		Progress float64 `json:"progress"`
	}
	if len(info.Scanning) > 0 && info.Scanning[0] == '{' {
		if err := json.Unmarshal(info.Scanning, &scan); err != nil {
			return nil, fmt.Errorf("failed to parse wallet scan status: %w", err)
		}
		walletInfo.Scanning = true
		walletInfo.ScanDuration = scan.Duration
		walletInfo.ScanProgress = scan.Progress
	}
	return walletInfo, nil
}

func (s *service) DeriveAddress(ctx context.Context, descriptor string) (string, error) {
	var addresses []string
	if err := s.call(ctx, "", "deriveaddresses", &addresses, descriptor); err != nil {
		return "", err
	}
	if len(addresses) == 0 {
		return "", fmt.Errorf("no address derived from descriptor")
	}
	return addresses[0], nil
}

func (s *service) ScanUtxos(ctx context.Context, descriptors []string) ([]ports.Utxo, error) {
	var result struct {
		Success  bool `json:"success"`
		Unspents []struct {
			Txid         string  `json:"txid"`
			Vout         uint32  `json:"vout"`
			ScriptPubKey string  `json:"scriptPubKey"`
			Amount       float64 `json:"amount"`
		} `json:"unspents"`
	}
	if err := s.call(ctx, "", "scantxoutset", &result, "start", descriptors); err != nil {
		return nil, err
	}

	utxos := make([]ports.Utxo, 0, len(result.Unspents))
	for _, u := range result.Unspents {
		amount, err := btcutil.NewAmount(u.Amount)
		if err != nil {
			return nil, fmt.Errorf("invalid amount for %s:%d: %w", u.Txid, u.Vout, err)
		}
		utxos = append(utxos, ports.Utxo{
			Txid:         u.Txid,
			Vout:         u.Vout,
			Amount:       uint64(amount),
			ScriptPubKey: u.ScriptPubKey,
		})
	}
	return utxos, nil
}

func (s *service) WalletCreateFundedPsbt(
	ctx context.Context, wallet string, outputs []ports.TxOutput, opts ports.FundPsbtOptions,
) (*ports.FundedPsbt, error) {
	rpcOutputs := make([]map[string]interface{}, 0, len(outputs))
	for _, out := range outputs {
		if len(out.Data) > 0 {
			rpcOutputs = append(rpcOutputs, map[string]interface{}{
				"data": hex.EncodeToString(out.Data),
			})
			continue
		}
		rpcOutputs = append(rpcOutputs, map[string]interface{}{
			out.Address: btcutil.Amount(out.Amount).ToBTC(),
		})
	}

	options := map[string]interface{}{
		"includeWatching": true,
	}
	if opts.FeeRate > 0 {
		options["fee_rate"] = opts.FeeRate
	}
	if opts.ChangeAddress != "" {
		options["changeAddress"] = opts.ChangeAddress
	}
	if len(opts.SolvingKeys) > 0 {
		options["solving_data"] = map[string]interface{}{"pubkeys": opts.SolvingKeys}
	}

	var result struct {
		Psbt      string  `json:"psbt"`
		Fee       float64 `json:"fee"`
		ChangePos int     `json:"changepos"`
	}
	if err := s.call(
		ctx, wallet, "walletcreatefundedpsbt", &result,
		[]interface{}{}, rpcOutputs, 0, options,
	); err != nil {
		return nil, err
	}
	return &ports.FundedPsbt{
		Psbt:      result.Psbt,
		FeeBtc:    result.Fee,
		ChangePos: result.ChangePos,
	}, nil
}

func (s *service) ConvertToPsbt(ctx context.Context, rawTx string) (string, error) {
	var ptx string
	if err := s.call(ctx, "", "converttopsbt", &ptx, rawTx); err != nil {
		return "", err
	}
	return ptx, nil
}

func (s *service) UtxoUpdatePsbt(
	ctx context.Context, ptx string, descriptors []string,
) (string, error) {
	var updated string
	if err := s.call(ctx, "", "utxoupdatepsbt", &updated, ptx, descriptors); err != nil {
		return "", err
	}
	return updated, nil
}

func (s *service) CombinePsbt(ctx context.Context, ptxs []string) (string, error) {
	var combined string
	if err := s.call(ctx, "", "combinepsbt", &combined, ptxs); err != nil {
		return "", err
	}
	return combined, nil
}

func (s *service) FinalizePsbt(ctx context.Context, ptx string) (*ports.FinalizedPsbt, error) {
	var result struct {
		Psbt     string `json:"psbt"`
		Hex      string `json:"hex"`
		Complete bool   `json:"complete"`
	}
	if err := s.call(ctx, "", "finalizepsbt", &result, ptx, true); err != nil {
		return nil, err
	}
	return &ports.FinalizedPsbt{
		Psbt:     result.Psbt,
		Hex:      result.Hex,
		Complete: result.Complete,
	}, nil
}

func (s *service) BroadcastTransaction(ctx context.Context, txHex string) (string, error) {
	var txid string
	err := s.call(ctx, "", "sendrawtransaction", &txid, txHex)
	if rpcErrorCode(err) == rpcAlreadyInChain {
		tx, decodeErr := txutils.DecodeTx(txHex)
		if decodeErr != nil {
			return "", err
		}
		return tx.TxHash().String(), nil
	}
	if err != nil {
		return "", err
	}
	return txid, nil
}

func (s *service) GetTransaction(ctx context.Context, txid string) (*ports.TxStatus, error) {
	var result struct {
		Txid          string `json:"txid"`
		Confirmations uint32 `json:"confirmations"`
		BlockHash     string `json:"blockhash"`
	}
	err := s.call(ctx, "", "getrawtransaction", &result, txid, true)
	if rpcErrorCode(err) == rpcInvalidAddressOrKey {
		return nil, ports.ErrTxNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ports.TxStatus{
		Txid:          result.Txid,
		Confirmations: result.Confirmations,
		BlockHash:     result.BlockHash,
	}, nil
}

func (s *service) GetBlockCount(ctx context.Context) (int64, error) {
	var count int64
	if err := s.call(ctx, "", "getblockcount", &count); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *service) Close() {
	s.client.Shutdown()
	s.wallet.close()
}

func (s *service) loadWallet(ctx context.Context, wallet string) error {
	err := s.call(ctx, "", "loadwallet", nil, wallet)
	if err == nil || rpcErrorCode(err) == rpcWalletAlreadyLoaded {
		return nil
	}
	return err
}

func (s *service) call(
	ctx context.Context, wallet, method string, result interface{}, params ...interface{},
) error {
	rawParams := make([]json.RawMessage, 0, len(params))
	for _, p := range params {
		raw, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("failed to encode %s params: %w", method, err)
		}
		rawParams = append(rawParams, raw)
	}

	var res response
	if wallet != "" {
		res.raw, res.err = s.wallet.call(ctx, wallet, method, rawParams)
	} else {
		// RawRequest takes no context
		resCh := make(chan response, 1)
		go func() {
			raw, err := s.client.RawRequest(method, rawParams)
			resCh <- response{raw, err}
		}()
		select {
		case <-ctx.Done():
			res.err = ctx.Err()
		case res = <-resCh:
		}
	}

	if res.err != nil {
		var rpcErr *btcjson.RPCError
		if errors.As(res.err, &rpcErr) {
			return fmt.Errorf("%s: %w", method, rpcErr)
		}
		return fmt.Errorf("%s: %w: %w", method, ports.ErrNodeConnection, res.err)
	}

	if result == nil || len(res.raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(res.raw, result); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	return nil
}

type response struct {
	raw json.RawMessage
	err error
}

func rpcErrorCode(err error) btcjson.RPCErrorCode {
	var rpcErr *btcjson.RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.Code
	}
	return 0
}
