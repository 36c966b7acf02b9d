package oracle

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/usdb-labs/vaultd/internal/core/ports"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	signPath      = "/sign"
	publicKeyPath = "/public-key"

	apiKeyHeader    = "x-api-key"
	requestIdHeader = "X-Request-Id"

	maxRetries = 5
	baseDelay  = 100 * time.Millisecond
	// bounds the response body read from the signer
	maxResponseBytes = 1 << 20
)

type signRequest struct {
	VaultId        string   `json:"vaultId"`
	Sighash        string   `json:"sighash"`
	TapleafHash    string   `json:"tapleafHash"`
	ControlBlock   string   `json:"controlBlock"`
	MerkleRoot     string   `json:"merkleRoot"`
	DerivationPath []string `json:"derivationPath"`
}

type signResponse struct {
	Signature string `json:"signature"`
	Error     string `json:"error"`
}

type publicKeyRequest struct {
	VaultId        string   `json:"vaultId"`
	DerivationPath []string `json:"derivationPath"`
}

type publicKeyResponse struct {
	PublicKey string `json:"publicKey"`
	ChainCode string `json:"chainCode"`
	Error     string `json:"error"`
}

// statusError is returned for non 2xx responses, 5xx ones are retried.
type statusError struct {
	status int
	msg    string
}

func (e *statusError) Error() string {
	if e.msg == "" {
		return fmt.Sprintf("oracle responded with status %d", e.status)
	}
	return fmt.Sprintf("oracle responded with status %d: %s", e.status, e.msg)
}

type transportError struct {
	err error
}

func (e *transportError) Error() string {
	return fmt.Sprintf("failed to reach oracle: %s", e.err)
}

func (e *transportError) Unwrap() error {
	return e.err
}

type service struct {
	baseUrl    string
	apiKey     string
	httpClient *http.Client
}

// NewService returns a client of the threshold signer HTTP api served at baseURL.
func NewService(baseURL, apiKey string, timeout time.Duration) (ports.SignatureOracle, error) {
	baseURL = strings.TrimSuffix(baseURL, "/")
	if baseURL == "" {
		return nil, fmt.Errorf("missing oracle url")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &service{
		baseUrl: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

func (s *service) DeriveProtocolKey(
	ctx context.Context, vaultId uint64, path [][]byte,
) (*ports.ProtocolKey, error) {
	var resp publicKeyResponse
	if err := s.post(ctx, publicKeyPath, publicKeyRequest{
		VaultId:        strconv.FormatUint(vaultId, 10),
		DerivationPath: encodePath(path),
	}, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("oracle failed to derive key: %s", resp.Error)
	}
	if resp.PublicKey == "" {
		return nil, fmt.Errorf("oracle returned an empty public key")
	}
	return &ports.ProtocolKey{
		PublicKey: resp.PublicKey,
		ChainCode: resp.ChainCode,
	}, nil
}

func (s *service) SignWithdrawal(ctx context.Context, req ports.SignRequest) ([]byte, error) {
	var resp signResponse
	if err := s.post(ctx, signPath, signRequest{
		VaultId:        strconv.FormatUint(req.VaultId, 10),
		Sighash:        hex.EncodeToString(req.Sighash),
		TapleafHash:    hex.EncodeToString(req.TapleafHash),
		ControlBlock:   hex.EncodeToString(req.ControlBlock),
		MerkleRoot:     hex.EncodeToString(req.MerkleRoot),
		DerivationPath: encodePath(req.DerivationPath),
	}, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("oracle refused to sign: %s", resp.Error)
	}

	sig, err := hex.DecodeString(resp.Signature)
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if len(sig) != 64 && len(sig) != 65 {
		return nil, fmt.Errorf("invalid signature length %d", len(sig))
	}
	return sig, nil
}

func (s *service) post(ctx context.Context, path string, body, result any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	requestId := uuid.New().String()
	logger := log.WithFields(log.Fields{"path": path, "request_id": requestId})

	var lastErr error
	for attempt := range maxRetries {
		if attempt > 0 {
			// exponential: 100ms, 200ms, 400ms, 800ms
			delay := baseDelay * time.Duration(1<<uint(attempt-1))
			logger.WithError(lastErr).Debugf("retrying oracle request in %s", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = s.do(ctx, path, requestId, payload, result)
		if lastErr == nil {
			return nil
		}
		if !isRetryable(lastErr) || ctx.Err() != nil {
			return lastErr
		}
	}

	return fmt.Errorf("oracle request failed after %d attempts: %w", maxRetries, lastErr)
}

func (s *service) do(
	ctx context.Context, path, requestId string, payload []byte, result any,
) error {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, s.baseUrl+path, bytes.NewReader(payload),
	)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(requestIdHeader, requestId)
	if s.apiKey != "" {
		req.Header.Set(apiKeyHeader, s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return &transportError{err}
	}
	// nolint:all
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("failed to read oracle response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp struct {
			Error string `json:"error"`
		}
		// nolint:all
		json.Unmarshal(body, &errResp)
		return &statusError{resp.StatusCode, errResp.Error}
	}

	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("failed to decode oracle response: %w", err)
	}
	return nil
}

// isRetryable reports whether err is a transport error or a 5xx response.
func isRetryable(err error) bool {
	var statusErr *statusError
	if errors.As(err, &statusErr) {
		return statusErr.status >= 500
	}
	var transportErr *transportError
	return errors.As(err, &transportErr)
}

func encodePath(path [][]byte) []string {
	encoded := make([]string, 0, len(path))
	for _, p := range path {
		encoded = append(encoded, hex.EncodeToString(p))
	}
	return encoded
}
