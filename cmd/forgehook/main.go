// Package main is the entry point for the ForgeHook host: a single binary
// that runs the hook lifecycle engine, the agent orchestrator, and the admin
// HTTP surface over shared infrastructure.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/forgehook/forgehook/internal/common/config"
	"github.com/forgehook/forgehook/internal/common/logger"
	"github.com/forgehook/forgehook/internal/db"
	"github.com/forgehook/forgehook/internal/events/bus"
	"github.com/forgehook/forgehook/internal/llm"

	agenthandlers "github.com/forgehook/forgehook/internal/agent/handlers"
	"github.com/forgehook/forgehook/internal/agent/orchestrator"
	agentstore "github.com/forgehook/forgehook/internal/agent/store"
	"github.com/forgehook/forgehook/internal/agent/tools"

	"github.com/forgehook/forgehook/internal/hook"
	"github.com/forgehook/forgehook/internal/hook/docker"
	hookhandlers "github.com/forgehook/forgehook/internal/hook/handlers"
	"github.com/forgehook/forgehook/internal/hook/lifecycle"
	"github.com/forgehook/forgehook/internal/hook/progress"
	"github.com/forgehook/forgehook/internal/hook/runtime"
	hookstore "github.com/forgehook/forgehook/internal/hook/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting ForgeHook host...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Persistence: one sqlite database shared by both stores.
	conn, err := db.Open(cfg.Database.Path)
	if err != nil {
		log.Fatal("Failed to open database", zap.String("path", cfg.Database.Path), zap.Error(err))
	}
	defer conn.Close()

	hookStore, err := hookstore.NewSQLiteStore(conn)
	if err != nil {
		log.Fatal("Failed to initialize hook store", zap.Error(err))
	}
	agentStore, err := agentstore.NewSQLiteStore(conn)
	if err != nil {
		log.Fatal("Failed to initialize agent store", zap.Error(err))
	}

	// Event bus: NATS when configured, in-memory otherwise.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		defer natsBus.Close()
	} else {
		log.Info("Using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}

	// Container engine.
	dockerClient, err := docker.NewClient(cfg.Docker, log)
	if err != nil {
		log.Fatal("Failed to initialize Docker client", zap.Error(err))
	}
	defer dockerClient.Close()
	if err := dockerClient.Ping(ctx); err != nil {
		log.Warn("Docker daemon not reachable, container hooks will fail until it is",
			zap.Error(err))
	}

	// Runtime adapters and the lifecycle engine.
	containerAdapter := runtime.NewContainerAdapter(dockerClient, cfg.Docker, cfg.Services, log)
	embeddedAdapter := runtime.NewEmbeddedAdapter(runtime.NewRegistryLoader(), log)
	gatewayAdapter := runtime.NewGatewayAdapter(log)

	progressBus := progress.NewBus()
	engine := lifecycle.NewEngine(hookStore,
		map[hook.Runtime]runtime.Adapter{
			hook.RuntimeContainer: containerAdapter,
			hook.RuntimeEmbedded:  embeddedAdapter,
			hook.RuntimeGateway:   gatewayAdapter,
		},
		dockerClient,
		lifecycle.NewPortAllocator(cfg.Ports.RangeStart, cfg.Ports.RangeEnd),
		eventBus, progressBus, cfg.Docker, log)
	defer engine.Close()

	if err := engine.Reconcile(ctx); err != nil {
		log.Fatal("Failed to reconcile hook state", zap.Error(err))
	}

	// Agent layer.
	llmService := llm.NewService(cfg.LLM, log)
	toolBuilder := tools.NewBuilder(engine, log)
	orch := orchestrator.New(llmService, toolBuilder, engine, agentStore, log)

	// HTTP surface.
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "forgehook"})
	})
	hookhandlers.RegisterRoutes(router, engine, dockerClient, eventBus, progressBus, log)
	agenthandlers.RegisterRoutes(router, agentStore, orch, log)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down ForgeHook host...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("Host exited with error", zap.Error(err))
	}
	progressBus.Close()
	log.Info("ForgeHook host stopped")
}

// corsMiddleware allows the admin UI to call the API from another origin.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
