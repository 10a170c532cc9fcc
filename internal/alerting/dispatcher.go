package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fleetconsole-io/fleetconsole/internal/broker"
	"github.com/fleetconsole-io/fleetconsole/internal/db"
	"github.com/fleetconsole-io/fleetconsole/internal/metrics"
	"github.com/fleetconsole-io/fleetconsole/internal/protocol"
	"github.com/fleetconsole-io/fleetconsole/internal/repositories"
)

// fleetScopeID keys fan-out for alerts that are not bound to a single
// instance. Console sessions subscribed to the events channel under this id
// receive fleet-wide alerts.
const fleetScopeID = "fleet"

// channelSender is one delivery adapter. configJSON is the channel's stored
// config document.
type channelSender interface {
	Send(ctx context.Context, configJSON string, payload AlertPayload) error
}

// DispatcherConfig wires a Dispatcher.
type DispatcherConfig struct {
	Alerts        repositories.AlertRepository
	Rules         repositories.RuleRepository
	Channels      repositories.ChannelRepository
	Notifications repositories.NotificationRepository
	Broker        broker.Broker
	EmailSink     EmailSink
	Stats         *metrics.Metrics
	Logger        *zap.Logger
}

// Dispatcher delivers a fired alert to every enabled channel attached to its
// rule. Channels are attempted concurrently and failures are isolated: one
// unreachable webhook never blocks the others. Every attempt, success or not,
// is recorded as an AlertNotification row.
type Dispatcher struct {
	alerts   repositories.AlertRepository
	rules    repositories.RuleRepository
	channels repositories.ChannelRepository
	notifs   repositories.NotificationRepository
	broker   broker.Broker
	senders  map[string]channelSender
	stats    *metrics.Metrics
	log      *zap.Logger
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	return &Dispatcher{
		alerts:   cfg.Alerts,
		rules:    cfg.Rules,
		channels: cfg.Channels,
		notifs:   cfg.Notifications,
		broker:   cfg.Broker,
		senders: map[string]channelSender{
			ChannelWebhook: newWebhookSender(),
			ChannelSlack:   newSlackSender(),
			ChannelEmail:   newEmailSender(cfg.EmailSink),
		},
		stats: cfg.Stats,
		log:   cfg.Logger.Named("dispatcher"),
	}
}

// Dispatch fans the alert out to every enabled channel of its rule. The
// returned error covers only setup failures (alert or rule missing); delivery
// failures are recorded per channel and logged, not raised.
func (d *Dispatcher) Dispatch(ctx context.Context, alertID uuid.UUID) error {
	alert, err := d.alerts.GetByID(ctx, alertID)
	if err != nil {
		return fmt.Errorf("alerting: load alert %s: %w", alertID, err)
	}
	rule, err := d.rules.GetByID(ctx, alert.RuleID)
	if err != nil {
		return fmt.Errorf("alerting: load rule %s: %w", alert.RuleID, err)
	}

	channels, err := d.channels.ListEnabledByIDs(ctx, rule.ChannelIDs)
	if err != nil {
		return fmt.Errorf("alerting: load channels for rule %s: %w", rule.ID, err)
	}
	if len(channels) == 0 {
		d.log.Debug("alert has no enabled channels", zap.String("alert_id", alert.ID.String()))
		return nil
	}

	payload := buildPayload(alert, rule)

	g, gctx := errgroup.WithContext(ctx)
	for _, ch := range channels {
		ch := ch
		g.Go(func() error {
			d.dispatchOne(gctx, alert, &ch, payload)
			return nil
		})
	}
	return g.Wait()
}

// dispatchOne delivers to a single channel and records the attempt.
func (d *Dispatcher) dispatchOne(ctx context.Context, alert *db.Alert, ch *db.NotificationChannel, payload AlertPayload) {
	err := d.deliver(ctx, ch, payload)

	outcome := "ok"
	errText := ""
	if err != nil {
		outcome = "error"
		errText = err.Error()
		d.log.Warn("notification delivery failed",
			zap.String("alert_id", alert.ID.String()),
			zap.String("channel_id", ch.ID.String()),
			zap.String("channel_type", ch.Type),
			zap.Error(err))
	}
	if d.stats != nil {
		d.stats.NotificationsSent.WithLabelValues(ch.Type, outcome).Inc()
	}

	body, _ := json.Marshal(payload)
	record := &db.AlertNotification{
		AlertID:   alert.ID,
		ChannelID: ch.ID,
		SentAt:    time.Now().UTC(),
		Success:   err == nil,
		Error:     errText,
		Payload:   string(body),
	}
	if recErr := d.notifs.Create(ctx, record); recErr != nil {
		d.log.Error("failed to record notification attempt",
			zap.String("alert_id", alert.ID.String()),
			zap.String("channel_id", ch.ID.String()),
			zap.Error(recErr))
	}
}

// deliver routes the payload to the adapter for the channel's type.
func (d *Dispatcher) deliver(ctx context.Context, ch *db.NotificationChannel, payload AlertPayload) error {
	if ch.Type == ChannelInApp {
		return d.publishInApp(ctx, payload)
	}
	sender, ok := d.senders[ch.Type]
	if !ok {
		return fmt.Errorf("unknown channel type %q", ch.Type)
	}
	return sender.Send(ctx, ch.Config, payload)
}

// publishInApp fans the alert out to live console sessions over the broker.
// Alerts without an instance scope go out under the fleet-wide key.
func (d *Dispatcher) publishInApp(ctx context.Context, payload AlertPayload) error {
	scope := payload.InstanceID
	if scope == "" {
		scope = fleetScopeID
	}
	env, err := protocol.New(protocol.ChannelEvents, protocol.TypeEventAlert, scope, "", payload)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal alert event: %w", err)
	}
	return d.broker.Publish(ctx, protocol.ChannelEvents, scope, frame)
}

// Test delivers a canned INFO payload through the given channel type and
// config without touching any stored alert or writing a notification row.
// Operators use it to verify a channel before attaching rules to it.
func (d *Dispatcher) Test(ctx context.Context, channelType, configJSON string) error {
	now := time.Now().UTC()
	payload := AlertPayload{
		AlertID:  uuid.Nil.String(),
		RuleID:   uuid.Nil.String(),
		RuleName: "Channel test",
		RuleType: RuleLifecycle,
		Severity: SeverityInfo,
		Title:    "Test Notification",
		Message:  "This is a test notification from Fleet Console.",
		Status:   StatusActive,
		FiredAt:  now.Format(time.RFC3339),
	}
	return d.deliver(ctx, &db.NotificationChannel{Type: channelType, Config: configJSON}, payload)
}
