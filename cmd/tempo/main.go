// Tempo runtime server: HTTP/SSE surface, event dispatcher, session
// lifecycle, and the background sweepers.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/tempoworks/tempo/pkg/agent"
	"github.com/tempoworks/tempo/pkg/api"
	"github.com/tempoworks/tempo/pkg/blackboard"
	"github.com/tempoworks/tempo/pkg/bus"
	"github.com/tempoworks/tempo/pkg/cleanup"
	"github.com/tempoworks/tempo/pkg/config"
	"github.com/tempoworks/tempo/pkg/database"
	"github.com/tempoworks/tempo/pkg/dispatch"
	"github.com/tempoworks/tempo/pkg/events"
	"github.com/tempoworks/tempo/pkg/fsm"
	"github.com/tempoworks/tempo/pkg/llm"
	"github.com/tempoworks/tempo/pkg/nodes"
	"github.com/tempoworks/tempo/pkg/oss"
	"github.com/tempoworks/tempo/pkg/prompts"
	"github.com/tempoworks/tempo/pkg/redis"
	"github.com/tempoworks/tempo/pkg/registry"
	"github.com/tempoworks/tempo/pkg/reliability"
	"github.com/tempoworks/tempo/pkg/session"
	"github.com/tempoworks/tempo/pkg/storage"
	"github.com/tempoworks/tempo/pkg/tonglu"
	"github.com/tempoworks/tempo/pkg/version"
)

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(os.Getenv("LOG_FORMAT")) == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file loaded", "error", err)
	}

	logger := newLogger()
	slog.SetDefault(logger)

	configPath := getEnv("TEMPO_CONFIG", "config/tempo.yaml")
	logger.Info("Starting tempo", "version", version.Full(), "config", configPath)

	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Durable store
	db, err := database.NewClient(ctx, cfg.Database)
	if err != nil {
		logger.Error("Failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("Error closing database client", "error", err)
		}
	}()
	if err := database.MigrateUp(db.DB()); err != nil {
		logger.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}
	logger.Info("Connected to PostgreSQL", "host", cfg.Database.Host, "database", cfg.Database.Database)

	// 3. Fast store
	redisClient, err := redis.NewClient(ctx, cfg.Redis)
	if err != nil {
		logger.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error("Error closing Redis client", "error", err)
		}
	}()
	keys := redis.NewKeys(cfg.Redis.KeyPrefix)
	logger.Info("Connected to Redis", "addr", cfg.Redis.Addr, "key_prefix", cfg.Redis.KeyPrefix)

	// 4. Stores
	sessionStore := storage.NewSessionStore(db.Gorm())
	snapshotStore := storage.NewSnapshotStore(db.Gorm())
	flowStore := storage.NewFlowStore(db.Gorm())
	eventStore := storage.NewEventStore(db.Gorm())
	idempotencyStore := storage.NewIdempotencyStore(db.Gorm())
	nodeStore := storage.NewNodeStore(db.Gorm())

	// 5. Event plumbing
	eventBus := bus.New(redisClient, keys)
	ticker := events.NewTicker(redisClient, keys)
	publisher := events.NewPublisher(eventStore, eventBus, ticker)

	// 6. Working memory
	bb := blackboard.New(redisClient, keys, 0)
	chatStore := blackboard.NewChatStore(redisClient, keys)
	advancer := fsm.NewAdvancer(redisClient, keys)

	// 7. External clients
	llmClient := llm.NewClient(cfg.LLM, logger)
	tongluClient := tonglu.NewClient(cfg.Tonglu, logger)
	promptLoader, err := prompts.NewLoader(0)
	if err != nil {
		logger.Error("Failed to load prompt templates", "error", err)
		os.Exit(1)
	}

	// 8. Node registry and builtins
	reg := registry.New(nodeStore, logger)
	builtins := []struct {
		node        nodes.Node
		description string
	}{
		{nodes.NewSearchNode(llmClient), "Web search with LLM-composed answers"},
		{nodes.NewWriterNode(llmClient, tongluClient, promptLoader), "Long-form document drafting"},
		{nodes.NewDataQueryNode(tongluClient), "Semantic query over captured tenant data"},
		{nodes.NewFileParserNode(tongluClient), "Attachment parsing through the data service"},
		{nodes.NewEchoNode(), "Returns whatever it receives"},
		{nodes.NewConditionalNode(), "Branches a flow on blackboard state"},
		{nodes.NewTransformNode(), "Extracts data from earlier step output"},
		{nodes.NewHTTPRequestNode(), "Calls an external HTTP service"},
		{nodes.NewDataIngestNode(tongluClient), "Persists workflow output to the data service"},
	}
	for _, b := range builtins {
		if err := reg.RegisterBuiltin(ctx, b.node, b.description); err != nil {
			logger.Error("Failed to register builtin node", "error", err)
			os.Exit(1)
		}
	}
	if err := reg.Reload(ctx); err != nil {
		logger.Error("Failed to load node registry", "error", err)
		os.Exit(1)
	}

	// 9. Flow definitions from disk, registered globally
	flows, err := config.LoadFlowDir(cfg.FlowsDir)
	if err != nil {
		logger.Error("Failed to load flow definitions", "error", err)
		os.Exit(1)
	}
	for _, flow := range flows {
		if err := flowStore.Upsert(ctx, storage.GlobalTenant, flow); err != nil {
			logger.Error("Failed to register flow", "flow_id", flow.ID, "error", err)
			os.Exit(1)
		}
	}
	logger.Info("Flow definitions loaded", "count", len(flows), "dir", cfg.FlowsDir)

	// 10. Reliability layer and dispatcher
	guard := reliability.NewGuard(idempotencyStore, logger)
	fanin := reliability.NewChecker(eventStore)
	stopper := reliability.NewHardStopper(redisClient, keys, bb, publisher, logger)
	policy := reliability.NewPolicy(cfg.Retry)
	callbackFmt := strings.TrimSuffix(cfg.Server.PublicBaseURL, "/") + "/api/workflow/%s/callback"
	invoker := dispatch.NewWebhookInvoker(callbackFmt, logger)

	dispatcher := dispatch.New(dispatch.Deps{
		Sessions:   sessionStore,
		Flows:      flowStore,
		Advancer:   advancer,
		Registry:   reg,
		Publisher:  publisher,
		Blackboard: bb,
		Guard:      guard,
		FanIn:      fanin,
		Stopper:    stopper,
		Retry:      policy,
		Webhook:    invoker,
		Logger:     logger,
	})

	// 11. Session lifecycle
	manager := session.NewManager(session.Deps{
		Sessions:   sessionStore,
		Snapshots:  snapshotStore,
		Flows:      flowStore,
		Blackboard: bb,
		Chat:       chatStore,
		Advancer:   advancer,
		Publisher:  publisher,
		Stopper:    stopper,
		Dispatcher: dispatcher,
		Logger:     logger,
	})
	clock := session.NewClock(sessionStore, snapshotStore, bb, chatStore, publisher, cfg.Clock.SweepInterval(), logger)
	clock.Start(ctx)
	defer clock.Stop()

	// 12. Retention
	sweeper := cleanup.NewSweeper(eventStore, idempotencyStore, cfg.Cleanup.Retention(), cfg.Cleanup.Interval(), logger)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	// 13. Capture listener
	var capture *tonglu.CaptureListener
	if cfg.Tonglu.CaptureEnabled {
		capture = tonglu.NewCaptureListener(eventBus, tongluClient, publisher, cfg.Tonglu.CaptureTenants, logger)
		capture.Start(ctx)
		logger.Info("Capture listener started", "tenants", cfg.Tonglu.CaptureTenants)
	}

	// 14. Chat agent
	controller := agent.New(agent.Deps{
		LLM:        llmClient,
		Registry:   reg,
		Blackboard: bb,
		Chat:       chatStore,
		Prompts:    promptLoader,
		Publisher:  publisher,
		Bus:        eventBus,
		Sessions:   sessionStore,
		Config:     cfg.Agent,
		Logger:     logger,
	})

	// 15. HTTP surface
	server := api.NewServer(api.Deps{
		Config:    cfg.Server,
		Chat:      controller,
		Workflow:  manager,
		Sessions:  sessionStore,
		Callbacks: dispatcher,
		Events:    eventStore,
		Nodes:     reg,
		Flows:     flowStore,
		Signer:    oss.NewSigner(cfg.OSS),
		DBPing:    func(ctx context.Context) error { return db.DB().PingContext(ctx) },
		RedisPing: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		Logger:    logger,
	})
	httpServer := server.HTTPServer()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("Tempo started", "port", cfg.Server.Port)

	// 16. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("Shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		logger.Error("Server error triggered shutdown", "error", err)
	}

	// 17. Graceful shutdown: stop intake, drain in-flight work, then the
	// background loops via the deferred Stops.
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout())
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	dispatcher.Shutdown()
	if capture != nil {
		capture.Stop()
	}

	logger.Info("Shutdown complete")
}
