package services

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetconsole-io/fleetconsole/internal/alerting"
	"github.com/fleetconsole-io/fleetconsole/internal/db"
	"github.com/fleetconsole-io/fleetconsole/internal/repositories"
)

// maskedValue replaces secret material in channel configs returned to
// clients. Stored configs are never masked; only the read path is.
const maskedValue = "***"

// sensitiveHeader matches header names that carry credentials.
var sensitiveHeader = regexp.MustCompile(`(?i)auth|token|key|secret`)

// ChannelTester exercises a channel adapter with a canned payload. The
// dispatcher implements it; the indirection keeps this package free of the
// delivery machinery.
type ChannelTester interface {
	Test(ctx context.Context, channelType, configJSON string) error
}

// TestResult is the outcome of a test delivery.
type TestResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ChannelService manages notification channels. Configs leave this service
// masked: webhook secrets, credential-bearing headers and the Slack webhook
// token segment are never echoed back to clients.
type ChannelService struct {
	channels repositories.ChannelRepository
	tester   ChannelTester
	log      *zap.Logger
}

func NewChannelService(channels repositories.ChannelRepository, tester ChannelTester, logger *zap.Logger) *ChannelService {
	return &ChannelService{channels: channels, tester: tester, log: logger.Named("channels")}
}

func (s *ChannelService) Create(ctx context.Context, channel *db.NotificationChannel) (*db.NotificationChannel, error) {
	if channel.Name == "" {
		return nil, fmt.Errorf("services: channel name is required")
	}
	switch channel.Type {
	case alerting.ChannelWebhook, alerting.ChannelSlack, alerting.ChannelEmail, alerting.ChannelInApp:
	default:
		return nil, fmt.Errorf("services: unknown channel type %q", channel.Type)
	}
	if channel.Config == "" {
		channel.Config = "{}"
	}
	if !json.Valid([]byte(channel.Config)) {
		return nil, fmt.Errorf("services: channel config is not valid JSON")
	}

	if err := s.channels.Create(ctx, channel); err != nil {
		return nil, fmt.Errorf("services: create channel: %w", err)
	}

	masked := *channel
	masked.Config = maskConfig(channel.Type, channel.Config)
	return &masked, nil
}

// Update replaces the channel's mutable fields. An empty Config keeps the
// stored one so clients can round-trip masked reads without wiping secrets.
func (s *ChannelService) Update(ctx context.Context, id uuid.UUID, name, config string, enabled *bool) (*db.NotificationChannel, error) {
	channel, err := s.channels.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if name != "" {
		channel.Name = name
	}
	if config != "" {
		if !json.Valid([]byte(config)) {
			return nil, fmt.Errorf("services: channel config is not valid JSON")
		}
		channel.Config = config
	}
	if enabled != nil {
		channel.Enabled = *enabled
	}

	if err := s.channels.Update(ctx, channel); err != nil {
		return nil, fmt.Errorf("services: update channel: %w", err)
	}

	masked := *channel
	masked.Config = maskConfig(channel.Type, channel.Config)
	return &masked, nil
}

func (s *ChannelService) Get(ctx context.Context, id uuid.UUID) (*db.NotificationChannel, error) {
	channel, err := s.channels.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	masked := *channel
	masked.Config = maskConfig(channel.Type, channel.Config)
	return &masked, nil
}

func (s *ChannelService) Delete(ctx context.Context, id uuid.UUID) error {
	return s.channels.Delete(ctx, id)
}

func (s *ChannelService) List(ctx context.Context, opts repositories.ListOptions) ([]db.NotificationChannel, int64, error) {
	channels, total, err := s.channels.List(ctx, opts)
	if err != nil {
		return nil, 0, err
	}
	for i := range channels {
		channels[i].Config = maskConfig(channels[i].Type, channels[i].Config)
	}
	return channels, total, nil
}

// Test performs a delivery with a canned payload through the stored, unmasked
// config. Nothing is persisted regardless of outcome.
func (s *ChannelService) Test(ctx context.Context, id uuid.UUID) (*TestResult, error) {
	channel, err := s.channels.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.tester.Test(ctx, channel.Type, channel.Config); err != nil {
		return &TestResult{Success: false, Error: err.Error()}, nil
	}
	return &TestResult{Success: true}, nil
}

// maskConfig hides secret material in a channel config document. Unparsable
// configs are masked wholesale rather than leaked.
func maskConfig(channelType, config string) string {
	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(config), &doc); err != nil {
		return "{}"
	}

	switch channelType {
	case alerting.ChannelWebhook:
		if v, ok := doc["secret"].(string); ok && v != "" {
			doc["secret"] = maskedValue
		}
		if headers, ok := doc["headers"].(map[string]interface{}); ok {
			for name := range headers {
				if sensitiveHeader.MatchString(name) {
					headers[name] = maskedValue
				}
			}
		}
	case alerting.ChannelSlack:
		if v, ok := doc["webhook_url"].(string); ok && v != "" {
			doc["webhook_url"] = maskWebhookURL(v)
		}
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return "{}"
	}
	return string(out)
}

// maskWebhookURL hides the terminal path segment, which carries the Slack
// token.
func maskWebhookURL(url string) string {
	idx := strings.LastIndex(url, "/")
	if idx < 0 {
		return maskedValue
	}
	return url[:idx] + "/" + maskedValue
}
