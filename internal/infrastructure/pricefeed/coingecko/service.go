package coingecko

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/usdb-labs/vaultd/internal/core/ports"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	DefaultBaseURL = "https://api.coingecko.com/api/v3"

	apiKeyHeader = "x-cg-demo-api-key"
)

type priceResponse struct {
	Bitcoin struct {
		Usd float64 `json:"usd"`
	} `json:"bitcoin"`
}

type cachedPrice struct {
	price     float64
	fetchedAt time.Time
}

// service reads the BTC/USD spot price from the CoinGecko simple price api.
// Prices younger than cacheTTL are served without hitting the api.
type service struct {
	baseUrl  string
	apiKey   string
	cacheTTL time.Duration
	client   *http.Client

	lock *sync.Mutex
	last *cachedPrice
}

func NewService(baseURL, apiKey string, cacheTTL time.Duration) ports.PriceFeed {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &service{
		baseUrl:  strings.TrimSuffix(baseURL, "/"),
		apiKey:   apiKey,
		cacheTTL: cacheTTL,
		client: &http.Client{
			Timeout:   15 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		lock: &sync.Mutex{},
	}
}

func (s *service) GetBtcUsdPrice(ctx context.Context) (float64, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.last != nil && time.Since(s.last.fetchedAt) < s.cacheTTL {
		return s.last.price, nil
	}

	price, err := s.fetch(ctx)
	if err != nil {
		return 0, err
	}
	s.last = &cachedPrice{price, time.Now()}
	return price, nil
}

func (s *service) fetch(ctx context.Context) (float64, error) {
	url := fmt.Sprintf("%s/simple/price?ids=bitcoin&vs_currencies=usd", s.baseUrl)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Set(apiKeyHeader, s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to get price: %w", err)
	}
	// nolint:all
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("failed to get price: status %d", resp.StatusCode)
	}

	var priceResp priceResponse
	if err := json.NewDecoder(resp.Body).Decode(&priceResp); err != nil {
		return 0, fmt.Errorf("failed to decode price: %w", err)
	}
	if priceResp.Bitcoin.Usd <= 0 {
		return 0, fmt.Errorf("price unavailable")
	}
	return priceResp.Bitcoin.Usd, nil
}
