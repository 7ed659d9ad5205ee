// Package main is the entry point for the aegis-core binary.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/aegisai/aegis-oss/internal/governance"
	"github.com/aegisai/aegis-oss/pkg/config"
	"github.com/aegisai/aegis-oss/pkg/domain"
	"github.com/aegisai/aegis-oss/pkg/escalation"
	"github.com/aegisai/aegis-oss/pkg/guardian"
	"github.com/aegisai/aegis-oss/pkg/logging"
	"github.com/aegisai/aegis-oss/pkg/pipeline"
	"github.com/aegisai/aegis-oss/pkg/policy"
	"github.com/aegisai/aegis-oss/pkg/privacy"
	"github.com/aegisai/aegis-oss/pkg/storage"
	"github.com/aegisai/aegis-oss/pkg/streams"
	"github.com/aegisai/aegis-oss/pkg/telemetry"
	"github.com/aegisai/aegis-oss/pkg/workers"
)

const (
	defaultConfigPath = "config.yaml"

	// producerMaxLen caps each stream so an idle consumer group cannot grow
	// Redis without bound.
	producerMaxLen = 1 << 16
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	listenAddr := flag.String("listen", "", "Address to listen on (overrides config)")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	prettyLogs := flag.Bool("pretty", false, "Enable pretty console logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddress = *listenAddr
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	// Setup Logging
	logger := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: *prettyLogs,
	})
	slog.SetDefault(logger)

	logger.Info("Starting aegis-core", "config", *configPath, "preset", cfg.Privacy.Preset)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup Telemetry
	otelShutdown, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: "aegis-core",
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Environment: cfg.Telemetry.Environment,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		logger.Error("Failed to initialize telemetry", "error", err)
		os.Exit(1)
	}

	// Shared store. Everything downstream fails closed when this is gone, so
	// refuse to start without it.
	client, err := storage.NewClient(ctx, cfg.Redis)
	if err != nil {
		logger.Error("Failed to connect to store", "addr", cfg.Redis.Addr, "error", err)
		os.Exit(1)
	}

	app, err := buildApp(ctx, cfg, client, logger)
	if err != nil {
		logger.Error("Failed to initialize components", "error", err)
		os.Exit(1)
	}

	// Start Rule Watcher
	go watchRules(app.ruleSource, app.ruleStore, app.policy, logger)

	// Start Workers
	startWorkers(ctx, cfg, client, app, logger)

	// Start Servers
	server := startServer(cfg.Server.ListenAddress, app, logger)
	metricsServer := startMetricsServer(cfg.Server.MetricsAddress, app.metrics, logger)

	waitForShutdown(server, metricsServer, cancel, app, otelShutdown, logger)
}

// application bundles the wired components so the startup helpers stay
// readable.
type application struct {
	ruleSource *config.RuleSource
	ruleStore  *guardian.RuleStore
	guardian   *guardian.Engine
	detector   *privacy.Detector
	privacy    *privacy.Engine
	policy     *policy.Engine
	handler    *pipeline.Handler
	metrics    *telemetry.Metrics
	seclog     *logging.SecurityLog
	risk       *governance.RiskScore
	suspend    *escalation.Handler
	producer   *streams.Producer
	client     *redis.Client
}

func buildApp(ctx context.Context, cfg *config.Config, client *redis.Client, logger *slog.Logger) (*application, error) {
	ruleSource, err := config.NewRuleSource(cfg.Rules.File, logger)
	if err != nil {
		return nil, fmt.Errorf("load rule source: %w", err)
	}

	ruleStore, err := guardian.NewRuleStore(ruleSource.Current())
	if err != nil {
		return nil, fmt.Errorf("compile rules: %w", err)
	}
	guardianEngine := guardian.NewEngine(ruleStore, guardian.Options{
		CacheCapacity: cfg.Rules.CacheCapacity,
		QuickBudget:   cfg.Rules.QuickBudget,
	})

	detector := privacy.NewDetector(cfg.Privacy.PoolSize)
	privacyEngine, err := privacy.NewEngine(detector, privacy.Options{
		Preset:     cfg.Privacy.Preset,
		CacheTTL:   cfg.Privacy.CacheTTL,
		Disclosure: storage.NewRedisDisclosures(client, cfg.Privacy.ContextTTL),
		Vault:      storage.NewRedisTokenVault(client, 0),
	})
	if err != nil {
		return nil, fmt.Errorf("build privacy engine: %w", err)
	}

	policyEngine, err := policy.NewEngine(ctx, policy.EngineOptions{})
	if err != nil {
		return nil, fmt.Errorf("build policy engine: %w", err)
	}

	suspensions := escalation.NewHandler(client, policyEngine, escalation.Options{
		ViolationWindow:    cfg.Escalate.ViolationWindow,
		SuspensionDuration: cfg.Escalate.SuspensionDuration,
		DefaultThreshold:   cfg.Escalate.DefaultThreshold,
		Logger:             logger,
	})

	limiter := governance.NewRateLimiter(client, governance.RateLimiterOptions{
		Tiers:      cfg.Limits.Tiers,
		BucketTTL:  cfg.Limits.BucketTTL,
		RiskHalf:   cfg.Limits.RiskHalfLife,
		RiskWeight: cfg.Limits.RiskWeight,
	})
	risk := governance.NewRiskScore(client, cfg.Limits.RiskHalfLife)
	backoff := governance.NewIPBackoff(cfg.Limits.IPBackoffBase, cfg.Limits.IPBackoffMax)

	producer := streams.NewProducer(client, producerMaxLen)
	seclog := logging.NewSecurityLog(logger, cfg.Logging.SecurityQueue)
	metrics := telemetry.NewMetrics()

	pipe := pipeline.New(pipeline.Options{
		Client:      client,
		Limiter:     limiter,
		Risk:        risk,
		Suspensions: suspensions,
		Privacy:     privacyEngine,
		Guardian:    guardianEngine,
		Policy:      policyEngine,
		Producer:    producer,
		SecurityLog: seclog,
		Metrics:     metrics,
		Hub:         streams.NewHub(),
		Logger:      logger,
		AskPolicy:   askPolicyFromConfig(cfg.Privacy.AskPolicy),
		RiskBump:    cfg.Limits.RiskBumpOnFail,
	})

	return &application{
		ruleSource: ruleSource,
		ruleStore:  ruleStore,
		guardian:   guardianEngine,
		detector:   detector,
		privacy:    privacyEngine,
		policy:     policyEngine,
		handler:    pipeline.NewHandler(pipe, backoff, client, logger),
		metrics:    metrics,
		seclog:     seclog,
		risk:       risk,
		suspend:    suspensions,
		producer:   producer,
		client:     client,
	}, nil
}

// askPolicyFromConfig maps the config value to the pipeline's ASK handling
// mode. Config validation has already rejected anything else, so an unknown
// value can only mean a skipped Validate call and gets the safe default.
func askPolicyFromConfig(value string) pipeline.AskPolicy {
	if value == "log" {
		return pipeline.AskLog
	}
	return pipeline.AskBlock
}

// watchRules applies hot-reloaded rule files to the guardian store. A reload
// changes the guardian ruleset version, which invalidates its result cache;
// the policy decision cache is flushed explicitly because severity semantics
// may shift with the ruleset.
func watchRules(source *config.RuleSource, store *guardian.RuleStore, policyEngine *policy.Engine, logger *slog.Logger) {
	for specs := range source.Subscribe() {
		if err := store.Update(specs); err != nil {
			logger.Error("Rejected rule update", "error", err)
			continue
		}
		policyEngine.FlushCache()
		logger.Info("Guardian rules reloaded", "count", len(specs), "version", store.Version())
	}
}

func startWorkers(ctx context.Context, cfg *config.Config, client *redis.Client, app *application, logger *slog.Logger) {
	auditWorker := workers.NewAuditWorker(app.seclog, app.metrics, logger)
	runConsumer(ctx, client, streams.ConsumerOptions{
		Stream:            domain.StreamAudit,
		Group:             cfg.Workers.Group + "-audit",
		Consumer:          "audit-0",
		VisibilityTimeout: cfg.Workers.VisibilityTimeout,
		DeliveryCap:       cfg.Workers.DeliveryCap,
		Logger:            logger,
		Metrics:           app.metrics,
	}, auditWorker.Handle, logger)

	if cfg.Model.Endpoint == "" {
		logger.Warn("No model endpoint configured, inference workers disabled; admitted requests will queue")
		return
	}

	inferenceWorker := workers.NewInferenceWorker(workers.InferenceOptions{
		Invoker:          workers.NewHTTPInvoker(cfg.Model.Endpoint, cfg.Model.AuthToken),
		Guardian:         app.guardian,
		Privacy:          app.privacy,
		Policy:           app.policy,
		Risk:             app.risk,
		Suspensions:      app.suspend,
		Producer:         app.producer,
		Metrics:          app.metrics,
		Logger:           logger,
		InvokeTimeout:    cfg.Workers.InvokeTimeout,
		PostCheckTimeout: cfg.Workers.PostCheckTimeout,
		RiskBump:         cfg.Limits.RiskBumpOnFail,
	})
	for i := 0; i < cfg.Workers.Consumers; i++ {
		runConsumer(ctx, client, streams.ConsumerOptions{
			Stream:            domain.StreamAdmitted,
			Group:             cfg.Workers.Group,
			Consumer:          fmt.Sprintf("infer-%d", i),
			VisibilityTimeout: cfg.Workers.VisibilityTimeout,
			DeliveryCap:       cfg.Workers.DeliveryCap,
			Logger:            logger,
			Metrics:           app.metrics,
		}, inferenceWorker.Handle, logger)
	}
}

func runConsumer(ctx context.Context, client *redis.Client, opts streams.ConsumerOptions, handler streams.Handler, logger *slog.Logger) {
	consumer, err := streams.NewConsumer(ctx, client, opts)
	if err != nil {
		logger.Error("Failed to create stream consumer", "stream", opts.Stream, "error", err)
		os.Exit(1)
	}
	go func() {
		if err := consumer.Run(ctx, handler); err != nil && ctx.Err() == nil {
			logger.Error("Consumer stopped", "stream", opts.Stream, "consumer", opts.Consumer, "error", err)
		}
	}()
}

func startServer(addr string, app *application, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	app.handler.Routes(mux)

	server := &http.Server{
		Handler:      otelhttp.NewHandler(mux, "aegis.core"),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Error("Failed to bind listener", "addr", addr, "error", err)
		os.Exit(1)
	}

	// Log the actual resolved address (useful when addr is :0)
	logger.Info("Server listening", "addr", listener.Addr().String())

	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	return server
}

func startMetricsServer(addr string, metrics *telemetry.Metrics, logger *slog.Logger) *http.Server {
	if addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.Handler())

	server := &http.Server{
		Addr:        addr,
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}

	logger.Info("Metrics listening", "addr", addr)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", "error", err)
		}
	}()

	return server
}

func waitForShutdown(server, metricsServer *http.Server, cancel context.CancelFunc, app *application, otelShutdown func(context.Context) error, logger *slog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	logger.Info("Shutting down", "signal", sig.String())

	// Stop consumers first so in-flight messages are left pending for the
	// next instance rather than half-processed.
	cancel()

	ctx, cancelTimeout := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelTimeout()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Shutdown error", "error", err)
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			logger.Error("Metrics shutdown error", "error", err)
		}
	}

	if err := app.seclog.Close(ctx); err != nil {
		logger.Error("Security log drain failed", "error", err, "dropped", app.seclog.Dropped())
	}
	app.detector.Close()
	if err := app.ruleSource.Close(); err != nil {
		logger.Error("Rule source close failed", "error", err)
	}
	if err := app.client.Close(); err != nil {
		logger.Error("Store close failed", "error", err)
	}
	if err := otelShutdown(ctx); err != nil {
		logger.Error("Telemetry shutdown failed", "error", err)
	}
}
