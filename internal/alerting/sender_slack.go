package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// SlackChannelConfig is the config document of a SLACK channel.
type SlackChannelConfig struct {
	WebhookURL string `json:"webhook_url"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Text   string       `json:"text"`
	Fields []slackField `json:"fields,omitempty"`
	Footer string       `json:"footer,omitempty"`
	TS     int64        `json:"ts,omitempty"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackMessage struct {
	Attachments []slackAttachment `json:"attachments"`
}

// slackSender delivers the alert as a Slack-compatible incoming-webhook
// message, one color-coded attachment per alert.
type slackSender struct {
	client *http.Client
}

func newSlackSender() *slackSender {
	return &slackSender{client: &http.Client{Timeout: deliveryTimeout}}
}

func (s *slackSender) Send(ctx context.Context, configJSON string, payload AlertPayload) error {
	var cfg SlackChannelConfig
	if err := json.Unmarshal([]byte(configJSON), &cfg); err != nil {
		return fmt.Errorf("invalid slack config: %w", err)
	}
	if cfg.WebhookURL == "" {
		return fmt.Errorf("slack config has no webhook_url")
	}

	fields := []slackField{
		{Title: "Severity", Value: payload.Severity, Short: true},
		{Title: "Rule", Value: payload.RuleName, Short: true},
	}
	if payload.InstanceID != "" {
		fields = append(fields, slackField{Title: "Instance", Value: payload.InstanceID, Short: true})
	}

	ts := time.Now()
	if parsed, err := time.Parse(time.RFC3339, payload.FiredAt); err == nil {
		ts = parsed
	}
	fields = append(fields, slackField{
		Title: "Fired At",
		Value: ts.Local().Format("2006-01-02 15:04:05 MST"),
		Short: true,
	})

	msg := slackMessage{Attachments: []slackAttachment{{
		Color:  severityColor(payload.Severity),
		Title:  fmt.Sprintf("%s %s", severityEmoji(payload.Severity), payload.Title),
		Text:   payload.Message,
		Fields: fields,
		Footer: "Fleet Console",
		TS:     ts.Unix(),
	}}}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal slack message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, deliveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("slack returned status %d", resp.StatusCode)
	}
	return nil
}
