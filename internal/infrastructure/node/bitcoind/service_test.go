package bitcoind_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/stretchr/testify/require"
	"github.com/usdb-labs/vaultd/internal/core/ports"
	"github.com/usdb-labs/vaultd/internal/infrastructure/node/bitcoind"
)

type rpcRequest struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
	ID     json.RawMessage   `json:"id"`
}

type rpcCall struct {
	path   string
	user   string
	method string
	params []json.RawMessage
}

type handlerFunc func(path string, params []json.RawMessage) (interface{}, *btcjson.RPCError)

// fakeNode answers json-rpc requests the way bitcoind does, errors come with
// a 500 status.
type fakeNode struct {
	lock     sync.Mutex
	calls    []rpcCall
	handlers map[string]handlerFunc
}

func newFakeNode(t *testing.T, handlers map[string]handlerFunc) (*fakeNode, ports.BitcoinNode) {
	node := &fakeNode{handlers: handlers}
	server := httptest.NewServer(http.HandlerFunc(node.serve))
	t.Cleanup(server.Close)

	svc, err := bitcoind.NewService(bitcoind.Config{
		Host:     server.URL,
		User:     "user",
		Password: "pass",
	})
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return node, svc
}

func (n *fakeNode) serve(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	user, _, _ := r.BasicAuth()
	n.lock.Lock()
	n.calls = append(n.calls, rpcCall{r.URL.Path, user, req.Method, req.Params})
	handler, ok := n.handlers[req.Method]
	n.lock.Unlock()

	var (
		result interface{}
		rpcErr *btcjson.RPCError
	)
	if !ok {
		rpcErr = btcjson.NewRPCError(-32601, "Method not found")
	} else {
		result, rpcErr = handler(r.URL.Path, req.Params)
	}

	w.Header().Set("Content-Type", "application/json")
	if rpcErr != nil {
		w.WriteHeader(http.StatusInternalServerError)
	}
	// nolint:all
	json.NewEncoder(w).Encode(map[string]interface{}{
		"result": result,
		"error":  rpcErr,
		"id":     req.ID,
	})
}

func (n *fakeNode) methods() []string {
	n.lock.Lock()
	defer n.lock.Unlock()
	methods := make([]string, 0, len(n.calls))
	for _, c := range n.calls {
		methods = append(methods, c.method)
	}
	return methods
}

func (n *fakeNode) lastCall(method string) rpcCall {
	n.lock.Lock()
	defer n.lock.Unlock()
	for i := len(n.calls) - 1; i >= 0; i-- {
		if n.calls[i].method == method {
			return n.calls[i]
		}
	}
	return rpcCall{}
}

func result(v interface{}) handlerFunc {
	return func(string, []json.RawMessage) (interface{}, *btcjson.RPCError) {
		return v, nil
	}
}

func failure(code btcjson.RPCErrorCode, msg string) handlerFunc {
	return func(string, []json.RawMessage) (interface{}, *btcjson.RPCError) {
		return nil, btcjson.NewRPCError(code, msg)
	}
}

func TestEnsureWallet(t *testing.T) {
	emptyDir := result(map[string]interface{}{"wallets": []interface{}{}})

	testCases := []struct {
		name     string
		handlers map[string]handlerFunc
		expected []string
		err      bool
	}{
		{
			name: "already loaded",
			handlers: map[string]handlerFunc{
				"listwallets": result([]string{"vaultd-1"}),
			},
			expected: []string{"listwallets"},
		},
		{
			name: "on disk",
			handlers: map[string]handlerFunc{
				"listwallets": result([]string{}),
				"listwalletdir": result(map[string]interface{}{
					"wallets": []map[string]string{{"name": "vaultd-1"}},
				}),
				"loadwallet": result(map[string]string{"name": "vaultd-1"}),
			},
			expected: []string{"listwallets", "listwalletdir", "loadwallet"},
		},
		{
			name: "loaded concurrently",
			handlers: map[string]handlerFunc{
				"listwallets": result([]string{}),
				"listwalletdir": result(map[string]interface{}{
					"wallets": []map[string]string{{"name": "vaultd-1"}},
				}),
				"loadwallet": failure(-35, "Wallet \"vaultd-1\" is already loaded."),
			},
			expected: []string{"listwallets", "listwalletdir", "loadwallet"},
		},
		{
			name: "new wallet",
			handlers: map[string]handlerFunc{
				"listwallets":   result([]string{"other"}),
				"listwalletdir": emptyDir,
				"createwallet":  result(map[string]string{"name": "vaultd-1"}),
			},
			expected: []string{"listwallets", "listwalletdir", "createwallet"},
		},
		{
			name: "created concurrently",
			handlers: map[string]handlerFunc{
				"listwallets":   result([]string{}),
				"listwalletdir": emptyDir,
				"createwallet":  failure(-4, "Wallet file verification failed. Database already exists."),
				"loadwallet":    result(map[string]string{"name": "vaultd-1"}),
			},
			expected: []string{"listwallets", "listwalletdir", "createwallet", "loadwallet"},
		},
		{
			name: "load failure",
			handlers: map[string]handlerFunc{
				"listwallets": result([]string{}),
				"listwalletdir": result(map[string]interface{}{
					"wallets": []map[string]string{{"name": "vaultd-1"}},
				}),
				"loadwallet": failure(-18, "Wallet file not found"),
			},
			expected: []string{"listwallets", "listwalletdir", "loadwallet"},
			err:      true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			fake, node := newFakeNode(t, tc.handlers)
			err := node.EnsureWallet(context.Background(), "vaultd-1")
			if tc.err {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			require.Equal(t, tc.expected, fake.methods())
		})
	}

	t.Run("create params", func(t *testing.T) {
		fake, node := newFakeNode(t, map[string]handlerFunc{
			"listwallets":   result([]string{}),
			"listwalletdir": emptyDir,
			"createwallet":  result(map[string]string{"name": "vaultd-1"}),
		})
		require.NoError(t, node.EnsureWallet(context.Background(), "vaultd-1"))

		call := fake.lastCall("createwallet")
		require.Len(t, call.params, 7)
		require.JSONEq(t, `"vaultd-1"`, string(call.params[0]))
		require.JSONEq(t, `true`, string(call.params[1]))
		require.JSONEq(t, `true`, string(call.params[5]))
	})
}

func TestWalletCalls(t *testing.T) {
	rescanFrom := int64(1_700_000_000)

	t.Run("import descriptors", func(t *testing.T) {
		fake, node := newFakeNode(t, map[string]handlerFunc{
			"importdescriptors": result([]map[string]bool{{"success": true}, {"success": true}}),
		})
		err := node.ImportDescriptors(context.Background(), "vaultd-1", []ports.DescriptorImport{
			{Descriptor: "tr(a)#00000000", Label: "vault"},
			{Descriptor: "addr(b)#11111111", RescanFrom: &rescanFrom},
		})
		require.NoError(t, err)

		call := fake.lastCall("importdescriptors")
		require.Equal(t, "/wallet/vaultd-1", call.path)
		require.Equal(t, "user", call.user)
		require.JSONEq(t, `[
			{"desc": "tr(a)#00000000", "timestamp": "now", "active": false, "label": "vault"},
			{"desc": "addr(b)#11111111", "timestamp": 1700000000, "active": false}
		]`, string(call.params[0]))
	})

	t.Run("import failure", func(t *testing.T) {
		_, node := newFakeNode(t, map[string]handlerFunc{
			"importdescriptors": result([]interface{}{
				map[string]interface{}{
					"success": false,
					"error":   map[string]interface{}{"code": -5, "message": "Invalid descriptor"},
				},
			}),
		})
		err := node.ImportDescriptors(
			context.Background(), "vaultd-1",
			[]ports.DescriptorImport{{Descriptor: "tr(x)"}},
		)
		require.ErrorContains(t, err, "Invalid descriptor")
	})

	t.Run("wallet info", func(t *testing.T) {
		scanning := true
		_, node := newFakeNode(t, map[string]handlerFunc{
			"getwalletinfo": func(string, []json.RawMessage) (interface{}, *btcjson.RPCError) {
				if scanning {
					scanning = false
					return map[string]interface{}{
						"walletname": "vaultd-1",
						"scanning":   map[string]interface{}{"duration": 12, "progress": 0.5},
					}, nil
				}
				return map[string]interface{}{"walletname": "vaultd-1", "scanning": false}, nil
			},
		})

		info, err := node.GetWalletInfo(context.Background(), "vaultd-1")
		require.NoError(t, err)
		require.True(t, info.Scanning)
		require.Equal(t, 0.5, info.ScanProgress)
		require.Equal(t, int64(12), info.ScanDuration)

		info, err = node.GetWalletInfo(context.Background(), "vaultd-1")
		require.NoError(t, err)
		require.False(t, info.Scanning)
		require.Equal(t, "vaultd-1", info.Name)
	})

	t.Run("wallet not found", func(t *testing.T) {
		_, node := newFakeNode(t, map[string]handlerFunc{
			"getwalletinfo": failure(-18, "Requested wallet does not exist or is not loaded"),
		})
		_, err := node.GetWalletInfo(context.Background(), "vaultd-2")
		var rpcErr *btcjson.RPCError
		require.ErrorAs(t, err, &rpcErr)
		require.Equal(t, btcjson.RPCErrorCode(-18), rpcErr.Code)
		require.NotErrorIs(t, err, ports.ErrNodeConnection)
	})

	t.Run("context deadline", func(t *testing.T) {
		release := make(chan struct{})
		_, node := newFakeNode(t, map[string]handlerFunc{
			"importdescriptors": func(string, []json.RawMessage) (interface{}, *btcjson.RPCError) {
				<-release
				return []map[string]bool{{"success": true}}, nil
			},
		})
		// runs before the server shutdown
		t.Cleanup(func() { close(release) })

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		err := node.ImportDescriptors(ctx, "vaultd-1", []ports.DescriptorImport{
			{Descriptor: "tr(a)#00000000", RescanFrom: &rescanFrom},
		})
		require.ErrorIs(t, err, context.DeadlineExceeded)
		require.ErrorIs(t, err, ports.ErrNodeConnection)
	})

	t.Run("funded psbt", func(t *testing.T) {
		fake, node := newFakeNode(t, map[string]handlerFunc{
			"walletcreatefundedpsbt": result(map[string]interface{}{
				"psbt": "cHNidP8=", "fee": 0.00000512, "changepos": 4,
			}),
		})
		funded, err := node.WalletCreateFundedPsbt(
			context.Background(), "vaultd-1",
			[]ports.TxOutput{
				{Data: []byte{0x00, 0xdd}},
				{Address: "bcrt1pordinals", Amount: 1000},
				{Address: "bcrt1pvault", Amount: 26_000},
			},
			ports.FundPsbtOptions{
				FeeRate:       2,
				ChangeAddress: "bcrt1ppayment",
				SolvingKeys:   []string{"02aa"},
			},
		)
		require.NoError(t, err)
		require.Equal(t, "cHNidP8=", funded.Psbt)
		require.Equal(t, 4, funded.ChangePos)

		call := fake.lastCall("walletcreatefundedpsbt")
		require.Equal(t, "/wallet/vaultd-1", call.path)
		require.JSONEq(t, `[]`, string(call.params[0]))
		require.JSONEq(t, `[
			{"data": "00dd"},
			{"bcrt1pordinals": 0.00001},
			{"bcrt1pvault": 0.00026}
		]`, string(call.params[1]))
		require.JSONEq(t, `{
			"includeWatching": true,
			"fee_rate": 2,
			"changeAddress": "bcrt1ppayment",
			"solving_data": {"pubkeys": ["02aa"]}
		}`, string(call.params[3]))
	})
}

func TestChainCalls(t *testing.T) {
	t.Run("scan utxos", func(t *testing.T) {
		fake, node := newFakeNode(t, map[string]handlerFunc{
			"scantxoutset": result(map[string]interface{}{
				"success": true,
				"unspents": []map[string]interface{}{
					{"txid": "aa", "vout": 1, "scriptPubKey": "5120", "amount": 0.0003},
				},
			}),
		})
		utxos, err := node.ScanUtxos(context.Background(), []string{"addr(x)"})
		require.NoError(t, err)
		require.Equal(t, []ports.Utxo{
			{Txid: "aa", Vout: 1, Amount: 30_000, ScriptPubKey: "5120"},
		}, utxos)

		call := fake.lastCall("scantxoutset")
		require.Equal(t, "/", call.path)
		require.JSONEq(t, `"start"`, string(call.params[0]))
	})

	t.Run("get transaction", func(t *testing.T) {
		_, node := newFakeNode(t, map[string]handlerFunc{
			"getrawtransaction": func(_ string, params []json.RawMessage) (interface{}, *btcjson.RPCError) {
				var txid string
				// nolint:all
				json.Unmarshal(params[0], &txid)
				if txid != "aa" {
					return nil, btcjson.NewRPCError(-5, "No such mempool or blockchain transaction")
				}
				return map[string]interface{}{"txid": "aa", "confirmations": 7, "blockhash": "bb"}, nil
			},
		})

		status, err := node.GetTransaction(context.Background(), "aa")
		require.NoError(t, err)
		require.Equal(t, &ports.TxStatus{Txid: "aa", Confirmations: 7, BlockHash: "bb"}, status)

		_, err = node.GetTransaction(context.Background(), "cc")
		require.ErrorIs(t, err, ports.ErrTxNotFound)
	})

	t.Run("broadcast", func(t *testing.T) {
		_, node := newFakeNode(t, map[string]handlerFunc{
			"sendrawtransaction": failure(-26, "bad-txns-inputs-missingorspent"),
		})
		_, err := node.BroadcastTransaction(context.Background(), "00")
		require.Error(t, err)
		require.NotErrorIs(t, err, ports.ErrNodeConnection)
	})

	t.Run("psbt helpers", func(t *testing.T) {
		fake, node := newFakeNode(t, map[string]handlerFunc{
			"converttopsbt":   result("converted"),
			"utxoupdatepsbt":  result("updated"),
			"combinepsbt":     result("combined"),
			"finalizepsbt":    result(map[string]interface{}{"hex": "0200", "complete": true}),
			"deriveaddresses": result([]string{"bcrt1pvault"}),
			"getblockcount":   result(144),
		})
		ctx := context.Background()

		converted, err := node.ConvertToPsbt(ctx, "0200")
		require.NoError(t, err)
		require.Equal(t, "converted", converted)

		updated, err := node.UtxoUpdatePsbt(ctx, converted, []string{"tr(x)"})
		require.NoError(t, err)
		require.Equal(t, "updated", updated)

		combined, err := node.CombinePsbt(ctx, []string{"a", "b"})
		require.NoError(t, err)
		require.Equal(t, "combined", combined)
		require.JSONEq(t, `["a", "b"]`, string(fake.lastCall("combinepsbt").params[0]))

		finalized, err := node.FinalizePsbt(ctx, combined)
		require.NoError(t, err)
		require.True(t, finalized.Complete)
		require.Equal(t, "0200", finalized.Hex)

		address, err := node.DeriveAddress(ctx, "tr(x)")
		require.NoError(t, err)
		require.Equal(t, "bcrt1pvault", address)

		count, err := node.GetBlockCount(ctx)
		require.NoError(t, err)
		require.Equal(t, int64(144), count)
	})

	t.Run("context deadline", func(t *testing.T) {
		_, node := newFakeNode(t, map[string]handlerFunc{
			"getblockcount": func(string, []json.RawMessage) (interface{}, *btcjson.RPCError) {
				time.Sleep(500 * time.Millisecond)
				return 1, nil
			},
		})
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		_, err := node.GetBlockCount(ctx)
		require.ErrorIs(t, err, ports.ErrNodeConnection)
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})
}
