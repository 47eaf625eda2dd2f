package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/medcoach/gateway/internal/audit"
	"github.com/medcoach/gateway/internal/auth"
	"github.com/medcoach/gateway/internal/config"
	"github.com/medcoach/gateway/internal/gateway"
	"github.com/medcoach/gateway/internal/invoker"
	"github.com/medcoach/gateway/internal/ratelimit"
	"github.com/medcoach/gateway/internal/retrieval"
	"github.com/medcoach/gateway/internal/session"
)

var (
	configPath = flag.String("config", "", "Path to config file")
)

func main() {
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	// Security audit log
	var recorder audit.Recorder = audit.Nop{}
	var auditStore *audit.Store
	if cfg.Audit.Enabled {
		auditStore, err = audit.NewStore(cfg.Audit.DBPath, logger)
		if err != nil {
			logger.Fatal("Failed to initialize audit store", zap.Error(err))
		}
		recorder = auditStore
	}

	// Identity verification (verify-only; tokens are minted elsewhere)
	var verifier auth.Verifier
	if cfg.Server.Development && cfg.Auth.JWTSecret == "" {
		logger.Warn("development mode: using static dev-token verifier")
		verifier = &auth.StaticVerifier{Tokens: map[string]string{"dev-token": "dev-user"}}
	} else {
		verifier = auth.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	}

	// Rate limiters, one per admission category
	sweep := time.Duration(cfg.RateLimit.SweepIntervalSeconds) * time.Second
	authLimiter := ratelimit.New(window(cfg.RateLimit.Auth), cfg.RateLimit.Auth.MaxEvents, sweep)
	msgLimiter := ratelimit.New(window(cfg.RateLimit.Messages), cfg.RateLimit.Messages.MaxEvents, sweep)
	connLimiter := ratelimit.New(window(cfg.RateLimit.ConnectionsPerOrigin), cfg.RateLimit.ConnectionsPerOrigin.MaxEvents, sweep)
	defer authLimiter.Stop()
	defer msgLimiter.Stop()
	defer connLimiter.Stop()

	// Context retriever over the rago vector store; the gateway runs
	// ungrounded if the store is unavailable
	retrievalCfg := retrieval.Config{
		TopK:          cfg.Retrieval.TopK,
		EmbedTimeout:  time.Duration(cfg.Retrieval.EmbedTimeoutMS) * time.Millisecond,
		SearchTimeout: time.Duration(cfg.Retrieval.TimeoutMS) * time.Millisecond,
		RecencyBoost:  cfg.Retrieval.RecencyBoost,
	}
	var retriever *retrieval.Retriever
	ragoStore, err := retrieval.NewRagoStore(context.Background(), retrieval.RagoConfig{
		DBPath:         cfg.RAG.DBPath,
		IndexType:      cfg.RAG.IndexType,
		BaseURL:        cfg.LLM.BaseURL,
		APIKey:         cfg.LLM.APIKey,
		EmbeddingModel: cfg.LLM.EmbeddingModel,
		LLMModel:       cfg.LLM.LLMModel,
	})
	if err != nil {
		logger.Warn("Failed to initialize vector store, running without retrieval", zap.Error(err))
		retriever = retrieval.NewDisabled(retrievalCfg, logger)
	} else {
		retriever = retrieval.New(ragoStore, ragoStore, retrievalCfg, logger)
	}

	// Secure process invoker; an invalid executable path aborts startup
	inv, err := invoker.New(invoker.Config{
		BinaryPath:     cfg.Invoker.BinaryPath,
		AllowedPaths:   cfg.Invoker.AllowedPaths,
		DefaultModel:   cfg.Invoker.DefaultModel,
		MaxPromptBytes: cfg.Invoker.MaxPromptBytes,
		MaxOutputBytes: cfg.Invoker.MaxOutputBytes,
		ChunkTimeout:   time.Duration(cfg.Invoker.ChunkTimeoutSeconds) * time.Second,
		TotalTimeout:   time.Duration(cfg.Invoker.TotalTimeoutSeconds) * time.Second,
		GracePeriod:    time.Duration(cfg.Invoker.GracePeriodSeconds) * time.Second,
	}, logger)
	if err != nil {
		logger.Fatal("Invalid generation binary configuration", zap.Error(err))
	}

	orchestrator := session.NewOrchestrator(
		session.Config{
			HistoryCapacity:    cfg.Session.HistoryCapacity,
			PromptHistoryTurns: cfg.Session.PromptHistoryTurns,
			MaxMessageBytes:    cfg.Session.MaxMessageBytes,
			IdleTimeout:        time.Duration(cfg.Session.IdleTimeoutSeconds) * time.Second,
			MaxDuration:        time.Duration(cfg.Session.MaxDurationSeconds) * time.Second,
		},
		msgLimiter,
		retriever,
		gateway.InvokerGenerator{Invoker: inv},
		recorder,
		logger,
	)

	// Session lifetime context: canceled on shutdown so every in-flight
	// invocation terminates before process exit
	sessionCtx, cancelSessions := context.WithCancel(context.Background())
	defer cancelSessions()

	gw := gateway.New(
		sessionCtx,
		gateway.Config{
			Development:     cfg.Server.Development,
			AllowOrigins:    cfg.Server.AllowOrigins,
			HistoryCapacity: cfg.Session.HistoryCapacity,
			WriteTimeout:    10 * time.Second,
			PingInterval:    30 * time.Second,
			ReadLimit:       int64(cfg.Session.MaxMessageBytes) + 1024,
		},
		verifier,
		authLimiter,
		connLimiter,
		orchestrator,
		recorder,
		logger,
	)

	router := gateway.SetupRouter(gw)

	srv := &http.Server{
		Addr:              cfg.Address(),
		Handler:           router,
		ReadHeaderTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("Starting coach gateway",
			zap.String("address", cfg.Address()),
			zap.Bool("development", cfg.Server.Development),
			zap.String("binary", inv.Path()),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down gateway...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	// Cancel active sessions and wait, bounded, for their invocations
	cancelSessions()
	if err := gw.Wait(ctx); err != nil {
		logger.Warn("Sessions did not drain before deadline", zap.Error(err))
	}

	if ragoStore != nil {
		ragoStore.Close()
	}
	if auditStore != nil {
		auditStore.Close()
	}

	logger.Info("Gateway exited")
}

func window(w config.WindowConfig) time.Duration {
	return time.Duration(w.WindowSeconds) * time.Second
}
