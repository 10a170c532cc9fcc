package alerting

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Notification channel types.
const (
	ChannelWebhook = "WEBHOOK"
	ChannelSlack   = "SLACK"
	ChannelEmail   = "EMAIL"
	ChannelInApp   = "IN_APP"
)

// deliveryTimeout is the hard bound on any outbound webhook or chat request.
const deliveryTimeout = 10 * time.Second

// userAgent identifies the control plane on outbound deliveries.
const userAgent = "fleet-console/1.0"

// WebhookChannelConfig is the config document of a WEBHOOK channel.
type WebhookChannelConfig struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"` // defaults to POST
	Secret  string            `json:"secret,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// webhookSender delivers the alert payload via an outbound HTTP request.
// When a secret is configured the body is signed with HMAC-SHA256 and the
// signature sent as "X-Fleet-Signature: sha256=<hex>", following the
// convention used by GitHub and Stripe webhooks.
type webhookSender struct {
	client *http.Client
}

func newWebhookSender() *webhookSender {
	return &webhookSender{client: &http.Client{Timeout: deliveryTimeout}}
}

// Send POSTs (or PUTs, if configured) the payload as JSON. Non-2xx responses
// and transport errors are delivery failures.
func (s *webhookSender) Send(ctx context.Context, configJSON string, payload AlertPayload) error {
	var cfg WebhookChannelConfig
	if err := json.Unmarshal([]byte(configJSON), &cfg); err != nil {
		return fmt.Errorf("invalid webhook config: %w", err)
	}
	if cfg.URL == "" {
		return fmt.Errorf("webhook config has no url")
	}

	method := cfg.Method
	if method == "" {
		method = http.MethodPost
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, deliveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	for name, value := range cfg.Headers {
		req.Header.Set(name, value)
	}

	if cfg.Secret != "" {
		req.Header.Set("X-Fleet-Signature", "sha256="+hmacSHA256(body, cfg.Secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// hmacSHA256 computes an HMAC-SHA256 signature of data using secret,
// returned as a lowercase hex string.
func hmacSHA256(data []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}
