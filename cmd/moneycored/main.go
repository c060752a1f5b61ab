// Command moneycored runs the money core daemon: the HTTP gateway, the outbox
// worker pool, the sweep scheduler, and the daily ledger export.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"hustlexp/admin"
	"hustlexp/config"
	"hustlexp/exports"
	"hustlexp/gateway"
	"hustlexp/ledger"
	"hustlexp/locks"
	"hustlexp/native/proof"
	"hustlexp/native/trust"
	"hustlexp/observability"
	"hustlexp/observability/logging"
	telemetry "hustlexp/observability/otel"
	"hustlexp/outbox"
	"hustlexp/saga"
	"hustlexp/storage"
	"hustlexp/stripe"
)

const stripeAPIBase = "https://api.stripe.com"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "moneycored:", err)
		os.Exit(1)
	}
}

func run() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", os.Getenv("HUSTLEXP_CONFIG"), "path to optional TOML config")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var logOpts []logging.Option
	if cfg.LogFile != "" {
		logOpts = append(logOpts, logging.WithRotatingFile(cfg.LogFile, 100, 7))
	}
	log := logging.Setup("moneycored", cfg.Environment, cfg.LogLevel, logOpts...)

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "moneycored",
		Environment: cfg.Environment,
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    true,
		Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	db, err := storage.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := storage.ApplyConstitution(db); err != nil {
		return fmt.Errorf("apply constitution: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	denylist, err := admin.OpenDenylist(filepath.Join(cfg.DataDir, "denylist.db"), nil)
	if err != nil {
		return fmt.Errorf("open denylist: %w", err)
	}
	defer func() { _ = denylist.Close() }()

	idem, err := gateway.NewIdempotencyStore(filepath.Join(cfg.DataDir, "idempotency.db"))
	if err != nil {
		return fmt.Errorf("open idempotency store: %w", err)
	}
	defer func() { _ = idem.Close() }()

	controls := admin.NewControls(db)
	lockMgr := locks.New()
	provider := stripe.NewHTTPClient(stripeAPIBase, cfg.StripeSecretKey)
	engine := saga.New(db, ledger.New(), provider, log,
		saga.WithControls(controls),
		saga.WithPayoutsEnabled(cfg.PayoutsEnabled),
		saga.WithStuckThreshold(cfg.RecoveryStuckTimeout),
		saga.WithLockManager(lockMgr),
	)
	adminSvc := admin.NewService(db, engine, provider, denylist, log)

	policy := trust.DefaultPolicy()
	if cfg.TrustPolicyFile != "" {
		policy, err = trust.LoadPolicy(cfg.TrustPolicyFile)
		if err != nil {
			return fmt.Errorf("load trust policy: %w", err)
		}
	}
	trustEngine := trust.NewEngine(policy, log)
	alerter := observability.NewAlerter(cfg.AlertPagerURL, cfg.AlertChatURL, log)
	metrics := observability.Money()

	pool := outbox.NewWorkerPool(db, log)
	pool.Register(outbox.QueueCriticalPayments, paymentEventHandler(log))
	pool.Register(outbox.QueueUserNotifications, notificationHandler(db, trustEngine, log))
	pool.Register(outbox.QueueFraudDetection, fraudHandler(db, trustEngine, log))

	dlq := outbox.NewDLQProcessor(db, log, dlqRetryHandler(engine))
	analyzer := outbox.NewOutcomeAnalyzer(db, log, cfg.NegativeOutcomeRateThreshold)
	scanner := proof.NewScanner(db, log)
	exporter := exports.New(exports.Config{
		DB:        db,
		OutputDir: cfg.ExportDir,
		Log:       log,
	})

	sched := outbox.NewScheduler(log)
	sched.Register("outbox-reclaim", time.Minute, func(ctx context.Context) error {
		_, err := outbox.ReclaimStuck(db, 5*time.Minute, time.Now().UTC())
		return err
	})
	sched.Register("webhook-reclaim", time.Minute, func(ctx context.Context) error {
		_, err := gateway.ReclaimStuckWebhooks(db, gateway.WebhookStuckTimeout, time.Now().UTC())
		return err
	})
	sched.Register("saga-recover", time.Minute, func(ctx context.Context) error {
		report, err := engine.Recover(ctx)
		if err != nil {
			return err
		}
		if report.Failed > 0 || report.Skipped > 0 {
			log.Warn("recovery pass", "scanned", report.Scanned,
				"completed", report.Completed, "failed", report.Failed, "skipped", report.Skipped)
		}
		return nil
	})
	sched.Register("dlq-replay", time.Minute, func(ctx context.Context) error {
		_, _, err := dlq.Process(ctx)
		return err
	})
	sched.Register("fraud-scan", 5*time.Minute, func(ctx context.Context) error {
		_, err := scanner.Scan(ctx)
		return err
	})
	sched.Register("outcome-analyzer", 5*time.Minute, analyzer.Analyze)
	sched.Register("queue-health", time.Minute, queueHealthSweep(db, metrics, alerter))
	sched.Register("ghost-money", time.Hour, ghostMoneySweep(db, metrics, alerter, log))
	sched.Register("idempotency-prune", time.Hour, func(ctx context.Context) error {
		_, err := idem.PruneExpired(ctx)
		return err
	})
	sched.Register("ledger-export", time.Hour, exportSweep(exporter, cfg.ExportRunHour, log))

	server := gateway.New(gateway.Config{
		DB:               db,
		Saga:             engine,
		Admin:            adminSvc,
		Controls:         controls,
		Denylist:         denylist,
		Pool:             pool,
		Idempotency:      idem,
		Log:              log,
		JWTSecret:        []byte(cfg.JWTSecret),
		WebhookSecret:    cfg.StripeWebhookSecret,
		Livemode:         cfg.Livemode(),
		StrictLivemode:   cfg.StrictLivemode,
		WebhookRateLimit: cfg.WebhookRateLimitPerMinute,
		AdminRateLimit:   cfg.AdminRateLimitPerMinute,
	})

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(server.Handler(), "moneycored"),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()
	go lockMgr.Run(workCtx)
	go pool.Run(workCtx)
	go sched.Run(workCtx)

	errs := make(chan error, 1)
	go func() {
		log.Info("moneycored listening", "port", cfg.Port, "livemode", cfg.Livemode())
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		log.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		cancelWork()
		return nil
	case err := <-errs:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
