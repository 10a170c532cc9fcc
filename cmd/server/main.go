package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/fleetconsole-io/fleetconsole/internal/alerting"
	"github.com/fleetconsole-io/fleetconsole/internal/api"
	"github.com/fleetconsole-io/fleetconsole/internal/broker"
	"github.com/fleetconsole-io/fleetconsole/internal/db"
	"github.com/fleetconsole-io/fleetconsole/internal/gateway"
	"github.com/fleetconsole-io/fleetconsole/internal/metrics"
	"github.com/fleetconsole-io/fleetconsole/internal/repositories"
	"github.com/fleetconsole-io/fleetconsole/internal/scheduler"
	"github.com/fleetconsole-io/fleetconsole/internal/services"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr     string
	dbDriver     string
	dbDSN        string
	redisAddr    string
	secretKey    string
	logLevel     string
	evalInterval time.Duration
	keepAlive    time.Duration

	sweepInterval      time.Duration
	metricRetention    time.Duration
	heartbeatRetention time.Duration
	eventRetention     time.Duration
	alertRetention     time.Duration

	smtpHost string
	smtpPort int
	smtpUser string
	smtpPass string
	smtpFrom string
	smtpTLS  bool
}

func main() {
	// A .env file is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "fleetconsole-server",
		Short: "Fleet console server, the real-time control plane for managed instances",
		Long: `Fleet console server is the control-plane backend of the fleet
management console. It ingests agent telemetry over WebSocket, fans it out to
browser sessions, evaluates alert rules on a periodic tick, and dispatches
notifications over webhooks, chat and email.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("FLEETCONSOLE_HTTP_ADDR", ":8080"), "HTTP API and WebSocket listen address")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("FLEETCONSOLE_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("FLEETCONSOLE_DB_DSN", "./fleetconsole.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.redisAddr, "redis-addr", envOrDefault("FLEETCONSOLE_REDIS_ADDR", ""), "Redis address for multi-replica fan-out (empty = in-process broker)")
	root.PersistentFlags().StringVar(&cfg.secretKey, "secret-key", envOrDefault("FLEETCONSOLE_SECRET_KEY", ""), "32-byte master key for encrypting secrets at rest (required)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("FLEETCONSOLE_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().DurationVar(&cfg.evalInterval, "eval-interval", envDurationOrDefault("FLEETCONSOLE_EVAL_INTERVAL", alerting.DefaultEvalInterval), "Alert evaluation tick interval")
	root.PersistentFlags().DurationVar(&cfg.keepAlive, "keep-alive", envDurationOrDefault("FLEETCONSOLE_KEEP_ALIVE", gateway.DefaultKeepAliveInterval), "WebSocket keep-alive ping interval")

	root.PersistentFlags().DurationVar(&cfg.sweepInterval, "sweep-interval", envDurationOrDefault("FLEETCONSOLE_SWEEP_INTERVAL", scheduler.DefaultSweepInterval), "Retention sweep interval")
	root.PersistentFlags().DurationVar(&cfg.metricRetention, "metric-retention", envDurationOrDefault("FLEETCONSOLE_METRIC_RETENTION", scheduler.DefaultMetricRetention), "How long to keep metric samples")
	root.PersistentFlags().DurationVar(&cfg.heartbeatRetention, "heartbeat-retention", envDurationOrDefault("FLEETCONSOLE_HEARTBEAT_RETENTION", scheduler.DefaultHeartbeatRetention), "How long to keep heartbeat observations")
	root.PersistentFlags().DurationVar(&cfg.eventRetention, "event-retention", envDurationOrDefault("FLEETCONSOLE_EVENT_RETENTION", scheduler.DefaultEventRetention), "How long to keep instance events")
	root.PersistentFlags().DurationVar(&cfg.alertRetention, "alert-retention", envDurationOrDefault("FLEETCONSOLE_ALERT_RETENTION", scheduler.DefaultAlertRetention), "How long to keep resolved alerts and delivery records")

	root.PersistentFlags().StringVar(&cfg.smtpHost, "smtp-host", envOrDefault("FLEETCONSOLE_SMTP_HOST", ""), "SMTP host for email notifications (empty = email disabled)")
	root.PersistentFlags().IntVar(&cfg.smtpPort, "smtp-port", envIntOrDefault("FLEETCONSOLE_SMTP_PORT", 587), "SMTP port")
	root.PersistentFlags().StringVar(&cfg.smtpUser, "smtp-user", envOrDefault("FLEETCONSOLE_SMTP_USER", ""), "SMTP username")
	root.PersistentFlags().StringVar(&cfg.smtpPass, "smtp-pass", envOrDefault("FLEETCONSOLE_SMTP_PASS", ""), "SMTP password")
	root.PersistentFlags().StringVar(&cfg.smtpFrom, "smtp-from", envOrDefault("FLEETCONSOLE_SMTP_FROM", ""), "From address for email notifications")
	root.PersistentFlags().BoolVar(&cfg.smtpTLS, "smtp-tls", os.Getenv("FLEETCONSOLE_SMTP_TLS") == "true", "Use implicit TLS (SMTPS, port 465)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fleetconsole-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.secretKey == "" {
		return fmt.Errorf("secret key is required: set --secret-key or FLEETCONSOLE_SECRET_KEY")
	}
	if err := db.InitEncryption([]byte(cfg.secretKey)); err != nil {
		return err
	}

	logger.Info("starting fleet console server",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
		zap.Duration("eval_interval", cfg.evalInterval),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- Database ---
	database, err := db.New(db.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormlogger.Warn,
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// --- Repositories ---
	instanceRepo := repositories.NewInstanceRepository(database)
	userRepo := repositories.NewUserRepository(database)
	apiKeyRepo := repositories.NewApiKeyRepository(database)
	metricRepo := repositories.NewMetricRepository(database)
	heartbeatRepo := repositories.NewHeartbeatRepository(database)
	eventRepo := repositories.NewInstanceEventRepository(database)
	ruleRepo := repositories.NewRuleRepository(database)
	channelRepo := repositories.NewChannelRepository(database)
	alertRepo := repositories.NewAlertRepository(database)
	notificationRepo := repositories.NewNotificationRepository(database)
	driftRepo := repositories.NewDriftRepository(database)
	securityRepo := repositories.NewSecurityRepository(database)

	// --- Metrics ---
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	stats := metrics.New(registry)

	// --- Broker ---
	var msgBroker broker.Broker
	if cfg.redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.redisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to reach redis at %s: %w", cfg.redisAddr, err)
		}
		msgBroker = broker.NewRedis(client, logger.Named("broker"))
		logger.Info("using redis broker", zap.String("redis_addr", cfg.redisAddr))
	} else {
		msgBroker = broker.NewMemory()
		logger.Info("using in-process broker")
	}
	defer msgBroker.Close() //nolint:errcheck

	// --- Gateway ---
	authenticator := gateway.NewAuthenticator(apiKeyRepo, userRepo, logger.Named("auth"))
	gw := gateway.New(gateway.Config{
		Authenticator:     authenticator,
		Broker:            msgBroker,
		Instances:         instanceRepo,
		Metrics:           metricRepo,
		Heartbeats:        heartbeatRepo,
		Events:            eventRepo,
		KeepAliveInterval: cfg.keepAlive,
		Stats:             stats,
		Logger:            logger.Named("gateway"),
	})
	gw.Start()

	// --- Alerting ---
	var emailSink alerting.EmailSink
	if sink := alerting.NewSMTPSink(alerting.SMTPConfig{
		Host:     cfg.smtpHost,
		Port:     cfg.smtpPort,
		Username: cfg.smtpUser,
		Password: cfg.smtpPass,
		From:     cfg.smtpFrom,
		TLS:      cfg.smtpTLS,
	}); sink != nil {
		emailSink = sink
	}

	dispatcher := alerting.NewDispatcher(alerting.DispatcherConfig{
		Alerts:        alertRepo,
		Rules:         ruleRepo,
		Channels:      channelRepo,
		Notifications: notificationRepo,
		Broker:        msgBroker,
		EmailSink:     emailSink,
		Stats:         stats,
		Logger:        logger,
	})

	alertService := services.NewAlertService(alertRepo, stats, logger)
	ruleService := services.NewRuleService(ruleRepo, logger)
	channelService := services.NewChannelService(channelRepo, dispatcher, logger)
	driftService := services.NewDriftService(driftRepo, logger)
	securityService := services.NewSecurityService(securityRepo, logger)

	evaluator, err := alerting.NewEvaluator(alerting.EvaluatorConfig{
		Rules:      ruleRepo,
		Instances:  instanceRepo,
		Metrics:    metricRepo,
		Heartbeats: heartbeatRepo,
		Alerts:     alertRepo,
		Writer:     alertService,
		Dispatcher: dispatcher,
		Interval:   cfg.evalInterval,
		Stats:      stats,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	if err := evaluator.Start(); err != nil {
		return err
	}

	sweeper, err := scheduler.New(scheduler.Config{
		Metrics:            metricRepo,
		Heartbeats:         heartbeatRepo,
		Events:             eventRepo,
		Alerts:             alertRepo,
		Notifications:      notificationRepo,
		SweepInterval:      cfg.sweepInterval,
		MetricRetention:    cfg.metricRetention,
		HeartbeatRetention: cfg.heartbeatRetention,
		EventRetention:     cfg.eventRetention,
		AlertRetention:     cfg.alertRetention,
		Logger:             logger,
	})
	if err != nil {
		return err
	}
	if err := sweeper.Start(); err != nil {
		return err
	}

	// --- HTTP ---
	router := api.NewRouter(api.RouterConfig{
		Authenticator: authenticator,
		Gateway:       gw,
		Logger:        logger,
		Alerts:        alertService,
		Rules:         ruleService,
		Channels:      channelService,
		Drift:         driftService,
		Security:      securityService,
		Instances:     instanceRepo,
		Metrics:       metricRepo,
		Events:        eventRepo,
		Registry:      registry,
	})

	server := &http.Server{
		Addr:              cfg.httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down fleet console server")

	// Stop producing first, then drain the surfaces: evaluator before the
	// dispatcher's broker, gateway before the HTTP listener.
	if err := evaluator.Stop(); err != nil {
		logger.Warn("evaluator shutdown error", zap.Error(err))
	}
	if err := sweeper.Stop(); err != nil {
		logger.Warn("retention sweep shutdown error", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := gw.Shutdown(shutdownCtx); err != nil {
		logger.Warn("gateway shutdown error", zap.Error(err))
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", zap.Error(err))
	}

	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return defaultVal
}
