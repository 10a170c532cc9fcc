package alerting

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetconsole-io/fleetconsole/internal/db"
	"github.com/fleetconsole-io/fleetconsole/internal/metrics"
	"github.com/fleetconsole-io/fleetconsole/internal/repositories"
)

// DefaultEvalInterval is how often the evaluator ticks unless configured
// otherwise.
const DefaultEvalInterval = 60 * time.Second

// defaultHeartbeatTimeoutSec applies to heartbeat_lost rules that omit
// timeout_sec.
const defaultHeartbeatTimeoutSec = 120

// tickTimeout bounds one full evaluation pass.
const tickTimeout = 45 * time.Second

// AlertWriter is the alert service surface the evaluator drives. FireAlert is
// create-or-return-existing by dedupe key; AutoResolve transitions an open
// alert to RESOLVED on behalf of the system.
type AlertWriter interface {
	FireAlert(ctx context.Context, alert *db.Alert) (*db.Alert, bool, error)
	AutoResolve(ctx context.Context, id uuid.UUID) (*db.Alert, error)
}

// evalResult is the outcome of one type-specific evaluation.
type evalResult struct {
	fired    bool
	title    string
	message  string
	metadata map[string]interface{}
}

// EvaluatorConfig wires an Evaluator.
type EvaluatorConfig struct {
	Rules      repositories.RuleRepository
	Instances  repositories.InstanceRepository
	Metrics    repositories.MetricRepository
	Heartbeats repositories.HeartbeatRepository
	Alerts     repositories.AlertRepository
	Writer     AlertWriter
	Dispatcher *Dispatcher
	Interval   time.Duration
	Stats      *metrics.Metrics
	Logger     *zap.Logger
}

// Evaluator runs the periodic rule evaluation tick. Each tick loads every
// enabled rule and the latest observations, then decides per (rule, instance)
// pair whether an alert fires or an open one auto-resolves. Ticks run in
// singleton mode: a tick that would start while the previous one is still
// running is skipped.
type Evaluator struct {
	cron       gocron.Scheduler
	rules      repositories.RuleRepository
	instances  repositories.InstanceRepository
	metricRepo repositories.MetricRepository
	heartbeats repositories.HeartbeatRepository
	alerts     repositories.AlertRepository
	writer     AlertWriter
	dispatcher *Dispatcher
	interval   time.Duration
	stats      *metrics.Metrics
	log        *zap.Logger
}

func NewEvaluator(cfg EvaluatorConfig) (*Evaluator, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("alerting: create scheduler: %w", err)
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultEvalInterval
	}

	return &Evaluator{
		cron:       cron,
		rules:      cfg.Rules,
		instances:  cfg.Instances,
		metricRepo: cfg.Metrics,
		heartbeats: cfg.Heartbeats,
		alerts:     cfg.Alerts,
		writer:     cfg.Writer,
		dispatcher: cfg.Dispatcher,
		interval:   interval,
		stats:      cfg.Stats,
		log:        cfg.Logger.Named("evaluator"),
	}, nil
}

// Start schedules the tick and runs the first one immediately.
func (e *Evaluator) Start() error {
	_, err := e.cron.NewJob(
		gocron.DurationJob(e.interval),
		gocron.NewTask(e.tick),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return fmt.Errorf("alerting: schedule evaluation tick: %w", err)
	}

	e.cron.Start()
	e.log.Info("evaluator started", zap.Duration("interval", e.interval))
	return nil
}

// Stop shuts the scheduler down, waiting for a running tick to finish.
func (e *Evaluator) Stop() error {
	if err := e.cron.Shutdown(); err != nil {
		return fmt.Errorf("alerting: evaluator shutdown: %w", err)
	}
	e.log.Info("evaluator stopped")
	return nil
}

// tick is one full evaluation pass. Errors in a single (rule, instance) pair
// are logged and never abort the rest of the pass.
func (e *Evaluator) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), tickTimeout)
	defer cancel()

	start := time.Now()
	if err := e.runTick(ctx); err != nil {
		e.log.Error("evaluation tick failed", zap.Error(err))
		if e.stats != nil {
			e.stats.EvaluatorTicks.WithLabelValues("error").Inc()
		}
		return
	}
	if e.stats != nil {
		e.stats.EvaluatorTicks.WithLabelValues("ok").Inc()
		e.stats.EvaluatorTickDuration.Observe(time.Since(start).Seconds())
	}
}

func (e *Evaluator) runTick(ctx context.Context) error {
	rules, err := e.rules.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("load enabled rules: %w", err)
	}
	if len(rules) == 0 {
		return nil
	}

	instances, err := e.instances.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("load instances: %w", err)
	}
	byID := make(map[uuid.UUID]*db.Instance, len(instances))
	for i := range instances {
		byID[instances[i].ID] = &instances[i]
	}

	latestMetrics, err := e.metricRepo.LatestPerInstance(ctx)
	if err != nil {
		return fmt.Errorf("load latest metrics: %w", err)
	}
	latestHeartbeats, err := e.heartbeats.LatestPerInstance(ctx)
	if err != nil {
		return fmt.Errorf("load latest heartbeats: %w", err)
	}

	now := time.Now().UTC()
	for i := range rules {
		rule := &rules[i]

		conds, err := parseConditions(rule)
		if err != nil {
			e.log.Warn("skipping rule with invalid conditions",
				zap.String("rule_id", rule.ID.String()), zap.Error(err))
			continue
		}
		if conds == nil {
			// SECURITY and COST rules are inert in the core.
			continue
		}

		targets := instances
		if rule.InstanceID != nil {
			inst, ok := byID[*rule.InstanceID]
			if !ok {
				continue
			}
			targets = []db.Instance{*inst}
		}

		for j := range targets {
			inst := &targets[j]
			if err := e.evaluatePair(ctx, rule, conds, inst, latestMetrics, latestHeartbeats, now); err != nil {
				e.log.Warn("evaluation failed for rule/instance pair",
					zap.String("rule_id", rule.ID.String()),
					zap.String("instance_id", inst.ID.String()),
					zap.Error(err))
			}
		}
	}
	return nil
}

// evaluatePair runs one rule against one instance: cooldown check, the
// type-specific evaluation, then fire or auto-resolve.
func (e *Evaluator) evaluatePair(
	ctx context.Context,
	rule *db.AlertRule,
	conds interface{},
	inst *db.Instance,
	latestMetrics map[uuid.UUID]db.Metric,
	latestHeartbeats map[uuid.UUID]db.Heartbeat,
	now time.Time,
) error {
	dedupeKey := fmt.Sprintf("%s:%s", rule.ID, inst.ID)

	open, err := e.alerts.GetOpenByDedupeKey(ctx, dedupeKey)
	if err != nil && err != repositories.ErrNotFound {
		return fmt.Errorf("lookup open alert: %w", err)
	}

	// Still cooling down from the last fire: leave the pair alone entirely.
	cooldown := time.Duration(rule.CooldownSec) * time.Second
	if open != nil && now.Sub(open.FiredAt) < cooldown {
		return nil
	}

	result, err := e.evaluate(ctx, rule, conds, inst, latestMetrics, latestHeartbeats, now)
	if err != nil {
		return err
	}

	if !result.fired {
		if open == nil {
			return nil
		}
		if _, err := e.writer.AutoResolve(ctx, open.ID); err != nil {
			return fmt.Errorf("auto-resolve alert %s: %w", open.ID, err)
		}
		e.log.Info("alert auto-resolved",
			zap.String("alert_id", open.ID.String()),
			zap.String("rule_id", rule.ID.String()),
			zap.String("instance_id", inst.ID.String()))
		return nil
	}

	instID := inst.ID
	alert := &db.Alert{
		RuleID:     rule.ID,
		InstanceID: &instID,
		Severity:   rule.Severity,
		Title:      result.title,
		Message:    result.message,
		Metadata:   encodeMetadata(result.metadata),
		Status:     StatusActive,
		FiredAt:    now,
		DedupeKey:  dedupeKey,
	}

	fired, duplicate, err := e.writer.FireAlert(ctx, alert)
	if err != nil {
		return fmt.Errorf("fire alert: %w", err)
	}
	if duplicate {
		return nil
	}

	e.log.Info("alert fired",
		zap.String("alert_id", fired.ID.String()),
		zap.String("rule_id", rule.ID.String()),
		zap.String("instance_id", inst.ID.String()),
		zap.String("severity", fired.Severity))

	// Delivery must not hold up the tick.
	go func(id uuid.UUID) {
		dctx, cancel := context.WithTimeout(context.Background(), tickTimeout)
		defer cancel()
		if err := e.dispatcher.Dispatch(dctx, id); err != nil {
			e.log.Error("dispatch failed", zap.String("alert_id", id.String()), zap.Error(err))
		}
	}(fired.ID)

	return nil
}

// evaluate branches to the type-specific evaluator.
func (e *Evaluator) evaluate(
	ctx context.Context,
	rule *db.AlertRule,
	conds interface{},
	inst *db.Instance,
	latestMetrics map[uuid.UUID]db.Metric,
	latestHeartbeats map[uuid.UUID]db.Heartbeat,
	now time.Time,
) (evalResult, error) {
	switch c := conds.(type) {
	case *ThresholdConditions:
		m, ok := latestMetrics[inst.ID]
		if !ok {
			return evalResult{}, nil
		}
		return evalThreshold(c, &m, inst), nil
	case *AnomalyConditions:
		return e.evalAnomaly(ctx, c, inst, latestMetrics, now)
	case *LifecycleConditions:
		hb, ok := latestHeartbeats[inst.ID]
		var latest *db.Heartbeat
		if ok {
			latest = &hb
		}
		return evalLifecycle(c, inst, latest, now), nil
	}
	return evalResult{}, fmt.Errorf("rule %s: unsupported conditions %T", rule.ID, conds)
}

// metricValue extracts a named observation from a metric sample.
func metricValue(m *db.Metric, name string) float64 {
	switch name {
	case "cpu_percent":
		return m.CPUPercent
	case "mem_percent":
		return m.MemPercent()
	case "disk_percent":
		return m.DiskPercent()
	case "load_avg_1":
		return m.LoadAvg1
	case "load_avg_5":
		return m.LoadAvg5
	case "net_bytes_sent":
		return float64(m.NetBytesSent)
	case "net_bytes_recv":
		return float64(m.NetBytesRecv)
	}
	return 0
}

// metricLabel is the human name used in alert titles and messages.
func metricLabel(name string) string {
	switch name {
	case "cpu_percent":
		return "CPU usage"
	case "mem_percent":
		return "Memory usage"
	case "disk_percent":
		return "Disk usage"
	case "load_avg_1":
		return "Load average (1m)"
	case "load_avg_5":
		return "Load average (5m)"
	case "net_bytes_sent":
		return "Network bytes sent"
	case "net_bytes_recv":
		return "Network bytes received"
	}
	return name
}

// isPercentMetric reports whether values of the metric read as percentages.
func isPercentMetric(name string) bool {
	switch name {
	case "cpu_percent", "mem_percent", "disk_percent":
		return true
	}
	return false
}

func formatMetricValue(name string, v float64) string {
	if isPercentMetric(name) {
		return fmt.Sprintf("%.1f%%", v)
	}
	return fmt.Sprintf("%g", v)
}

func evalThreshold(c *ThresholdConditions, m *db.Metric, inst *db.Instance) evalResult {
	value := metricValue(m, c.Metric)
	if !compare(value, c.Operator, c.Threshold) {
		return evalResult{}
	}

	threshold := fmt.Sprintf("%g", c.Threshold)
	if isPercentMetric(c.Metric) {
		threshold += "%"
	}

	return evalResult{
		fired:   true,
		title:   fmt.Sprintf("%s threshold exceeded on %s", metricLabel(c.Metric), inst.Name),
		message: fmt.Sprintf("%s is %s (threshold: %s %s)", metricLabel(c.Metric), formatMetricValue(c.Metric, value), c.Operator, threshold),
		metadata: map[string]interface{}{
			"metric":    c.Metric,
			"value":     value,
			"threshold": c.Threshold,
			"operator":  c.Operator,
		},
	}
}

// evalAnomaly compares the current value against the windowed mean. Requires
// at least 5 samples; zeros are excluded from the baseline for network
// metrics because idle links produce long zero runs that crush the mean.
func (e *Evaluator) evalAnomaly(
	ctx context.Context,
	c *AnomalyConditions,
	inst *db.Instance,
	latestMetrics map[uuid.UUID]db.Metric,
	now time.Time,
) (evalResult, error) {
	latest, ok := latestMetrics[inst.ID]
	if !ok {
		return evalResult{}, nil
	}

	from := now.Add(-time.Duration(c.WindowSec) * time.Second)
	window, err := e.metricRepo.ListRange(ctx, inst.ID, from, now)
	if err != nil {
		return evalResult{}, fmt.Errorf("load metric window: %w", err)
	}
	if len(window) < 5 {
		return evalResult{}, nil
	}

	isNet := c.Metric == "net_bytes_recv" || c.Metric == "net_bytes_sent"
	var sum float64
	var n int
	for i := range window {
		v := metricValue(&window[i], c.Metric)
		if isNet && v == 0 {
			continue
		}
		sum += v
		n++
	}
	if n == 0 {
		return evalResult{}, nil
	}

	baseline := sum / float64(n)
	if baseline <= 0 {
		return evalResult{}, nil
	}

	current := metricValue(&latest, c.Metric)
	deviation := math.Abs(current-baseline) / baseline * 100
	if deviation < c.DeviationPercent {
		return evalResult{}, nil
	}

	return evalResult{
		fired: true,
		title: fmt.Sprintf("%s anomaly detected on %s", metricLabel(c.Metric), inst.Name),
		message: fmt.Sprintf("%s deviates %.1f%% from the %ds baseline (current %s, baseline %s)",
			metricLabel(c.Metric), deviation, c.WindowSec,
			formatMetricValue(c.Metric, current), formatMetricValue(c.Metric, baseline)),
		metadata: map[string]interface{}{
			"metric":           c.Metric,
			"current":          current,
			"baseline":         baseline,
			"deviationPercent": deviation,
			"windowSec":        c.WindowSec,
		},
	}, nil
}

func evalLifecycle(c *LifecycleConditions, inst *db.Instance, hb *db.Heartbeat, now time.Time) evalResult {
	switch c.Event {
	case EventHeartbeatLost:
		timeout := c.TimeoutSec
		if timeout <= 0 {
			timeout = defaultHeartbeatTimeoutSec
		}

		if hb == nil {
			// An instance that never checked in and is not supposed to be
			// running is not a liveness failure.
			if inst.Status != "RUNNING" {
				return evalResult{}
			}
			return evalResult{
				fired:   true,
				title:   fmt.Sprintf("Heartbeat lost on %s", inst.Name),
				message: fmt.Sprintf("No heartbeat has ever been received from %s (timeout: %ds)", inst.Name, timeout),
				metadata: map[string]interface{}{
					"timeoutSec": timeout,
				},
			}
		}

		age := int(now.Sub(hb.Timestamp).Seconds())
		if age < timeout {
			return evalResult{}
		}
		return evalResult{
			fired:   true,
			title:   fmt.Sprintf("Heartbeat lost on %s", inst.Name),
			message: fmt.Sprintf("Last heartbeat from %s was %ds ago (timeout: %ds)", inst.Name, age, timeout),
			metadata: map[string]interface{}{
				"lastHeartbeatAt": hb.Timestamp.UTC().Format(time.RFC3339),
				"ageSeconds":      age,
				"timeoutSec":      timeout,
			},
		}

	case EventUnresponsive:
		if inst.Status != "ERROR" && inst.Status != "UNKNOWN" {
			return evalResult{}
		}
		return evalResult{
			fired:   true,
			title:   fmt.Sprintf("Instance %s is unresponsive", inst.Name),
			message: fmt.Sprintf("Instance %s reported status %s", inst.Name, inst.Status),
			metadata: map[string]interface{}{
				"status": inst.Status,
			},
		}

	case EventStatusChanged:
		targets := c.TargetStatuses
		if len(targets) == 0 {
			targets = []string{"ERROR", "UNKNOWN"}
		}
		for _, s := range targets {
			if inst.Status == s {
				return evalResult{
					fired:   true,
					title:   fmt.Sprintf("Instance %s changed status", inst.Name),
					message: fmt.Sprintf("Instance %s is now %s", inst.Name, inst.Status),
					metadata: map[string]interface{}{
						"status":         inst.Status,
						"targetStatuses": targets,
					},
				}
			}
		}
		return evalResult{}
	}
	return evalResult{}
}
