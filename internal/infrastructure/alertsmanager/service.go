package alertsmanager

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/usdb-labs/vaultd/internal/core/ports"
)

const (
	serviceName     = "vaultd"
	severityInfo    = "info"
	severityWarning = "warning"

	maxRetries   = 5
	initialDelay = 100 * time.Millisecond
)

type Alert struct {
	Labels      map[string]string `json:"labels"`
	Annotations map[string]string `json:"annotations"`
	StartsAt    time.Time         `json:"startsAt"`
}

// errPermanent marks a delivery failure that must not be retried.
var errPermanent = errors.New("permanent failure")

type service struct {
	baseUrl     string
	explorerUrl string
	httpClient  *http.Client
}

// NewService returns an Alertmanager client. explorerURL, if set, is used to
// link the vault address and txids in the alert descriptions.
func NewService(alertManagerURL, explorerURL string) ports.Alerts {
	return &service{
		baseUrl:     alertManagerURL,
		explorerUrl: strings.TrimSuffix(explorerURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (s *service) Publish(ctx context.Context, topic ports.Topic, message any) error {
	alert, err := s.buildAlert(topic, message)
	if err != nil {
		return err
	}

	payload, err := json.Marshal([]Alert{*alert})
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	if err := s.deliver(ctx, payload); err != nil {
		return fmt.Errorf("failed to send alert to AlertManager: %w", err)
	}
	return nil
}

func (s *service) buildAlert(topic ports.Topic, message any) (*Alert, error) {
	alert := &Alert{
		Labels: map[string]string{
			"alertname": string(topic),
			"service":   serviceName,
			"severity":  severityInfo,
		},
		Annotations: map[string]string{},
		StartsAt:    time.Now(),
	}

	var title, desc string
	switch topic {
	case ports.VaultAtRisk:
		m, ok := message.(ports.VaultAtRiskAlert)
		if !ok {
			return nil, fmt.Errorf("invalid message type: %T", message)
		}
		title, desc = "⚠️ Vault At Risk", s.describeAtRisk(m)
		alert.Labels["severity"] = severityWarning
		alert.Labels["vault_id"] = m.VaultId
	case ports.VaultWithdrawn:
		m, ok := message.(ports.VaultWithdrawnAlert)
		if !ok {
			return nil, fmt.Errorf("invalid message type: %T", message)
		}
		title, desc = "🔓 Vault Withdrawn", s.describeWithdrawn(m)
		alert.Labels["vault_id"] = m.VaultId
		alert.Labels["txid"] = m.WithdrawTxid
	default:
		title, desc = fmt.Sprintf("🔔 %s", topic), fmt.Sprintf("• event: %v", message)
	}

	alert.Annotations["firing_title"] = title
	alert.Annotations["description"] = desc
	return alert, nil
}

// deliver posts the payload, backing off exponentially between attempts.
// Transport errors and 5xx responses are retried, anything else is final.
func (s *service) deliver(ctx context.Context, payload []byte) error {
	delay := initialDelay
	var err error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if err = s.post(ctx, payload); err == nil {
			return nil
		}
		if errors.Is(err, errPermanent) {
			return err
		}
		if attempt == maxRetries {
			break
		}

		select {
		case <-time.After(delay):
			delay *= 2
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("giving up after %d attempts: %w", maxRetries, err)
}

func (s *service) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, s.baseUrl, bytes.NewReader(payload),
	)
	if err != nil {
		return fmt.Errorf("%w: %s", errPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500:
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	default:
		return fmt.Errorf("%w: status %d", errPermanent, resp.StatusCode)
	}
}

func (s *service) describeAtRisk(data ports.VaultAtRiskAlert) string {
	var b strings.Builder
	if s.explorerUrl != "" {
		fmt.Fprintf(&b, "%s/address/%s\n", s.explorerUrl, data.VaultAddress)
	}
	fmt.Fprintf(&b, "\n*Vault:* `%s`\n", data.VaultId)
	fmt.Fprintf(&b, "• Collateral: %s\n", formatBTC(data.CollateralSats))
	fmt.Fprintf(
		&b, "• Ratio: %s (threshold %s)\n",
		formatBps(data.CollateralRatioBps), formatBps(data.ThresholdBps),
	)
	fmt.Fprintf(&b, "• BTC price: %.2f USD", data.BtcPriceUsd)
	if data.UsingFallbackPrice {
		b.WriteString(" (fallback)")
	}
	return b.String()
}

func (s *service) describeWithdrawn(data ports.VaultWithdrawnAlert) string {
	var b strings.Builder
	if s.explorerUrl != "" {
		fmt.Fprintf(&b, "%s/tx/%s\n", s.explorerUrl, data.WithdrawTxid)
	}
	fmt.Fprintf(&b, "\n*Vault:* `%s`\n", data.VaultId)
	fmt.Fprintf(&b, "• Released: %s", formatBTC(data.CollateralSats))
	return b.String()
}

func formatBTC(sats uint64) string {
	return decimal.New(int64(sats), -8).String() + " BTC"
}

func formatBps(bps uint32) string {
	return decimal.New(int64(bps), -2).StringFixed(2) + "%"
}
