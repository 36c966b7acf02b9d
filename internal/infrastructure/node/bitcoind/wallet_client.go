package bitcoind

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"

	"github.com/btcsuite/btcd/btcjson"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// walletClient posts json-rpc requests to the /wallet/<name> endpoint of the
// node. No request timeout is set, importdescriptors blocks for the whole
// rescan and callers bound it with their context.
type walletClient struct {
	baseUrl    string
	user, pass string
	httpClient *http.Client
	nextId     atomic.Uint64
}

func newWalletClient(cfg Config) *walletClient {
	scheme := "https"
	if cfg.DisableTLS {
		scheme = "http"
	}
	return &walletClient{
		baseUrl: fmt.Sprintf("%s://%s/wallet/", scheme, cfg.Host),
		user:    cfg.User,
		pass:    cfg.Password,
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type walletRequest struct {
	Jsonrpc string            `json:"jsonrpc"`
	Id      uint64            `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

// call returns either the raw result or a *btcjson.RPCError reported by the
// node. Any other error is a transport failure.
func (c *walletClient) call(
	ctx context.Context, wallet, method string, params []json.RawMessage,
) (json.RawMessage, error) {
	body, err := json.Marshal(walletRequest{
		Jsonrpc: "1.0",
		Id:      c.nextId.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.baseUrl+url.PathEscape(wallet), bytes.NewReader(body),
	)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.user, c.pass)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	// nolint:all
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	// bitcoind reports rpc errors with a 4xx/5xx status and a json body
	var res btcjson.Response
	if err := json.Unmarshal(respBody, &res); err != nil {
		return nil, fmt.Errorf("unexpected response with status %d: %s", resp.StatusCode, respBody)
	}
	if res.Error != nil {
		return nil, res.Error
	}
	return res.Result, nil
}

func (c *walletClient) close() {
	c.httpClient.CloseIdleConnections()
}
