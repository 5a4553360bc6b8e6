package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/delegatehq/orchestrator/internal/adapter/llm"
	"github.com/delegatehq/orchestrator/internal/authz"
	"github.com/delegatehq/orchestrator/internal/budget"
	"github.com/delegatehq/orchestrator/internal/config"
	"github.com/delegatehq/orchestrator/internal/limits"
	"github.com/delegatehq/orchestrator/internal/logging"
	"github.com/delegatehq/orchestrator/internal/metrics"
	"github.com/delegatehq/orchestrator/internal/pricing"
	"github.com/delegatehq/orchestrator/internal/redact"
	store "github.com/delegatehq/orchestrator/internal/repository"
	"github.com/delegatehq/orchestrator/internal/service"
	transport "github.com/delegatehq/orchestrator/internal/transport/http"
)

func main() {
	cfg, err := config.Load(os.Getenv("DELEGATE_CONFIG"))
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting orchestrator",
		zap.Int("http_port", cfg.HTTPPort),
		zap.String("database_url", cfg.DatabaseURL),
		zap.String("upstream_url", cfg.UpstreamURL),
		zap.String("upstream_mode", cfg.UpstreamMode))

	db, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to initialize store", zap.Error(err))
	}
	defer db.Close()

	llmClient := llm.NewClient(cfg.UpstreamMode, cfg.UpstreamURL, cfg.UpstreamAPIKey, cfg.CallTimeout)

	policyEngine, err := authz.NewPolicyEngine(context.Background(), authz.DefaultPolicy)
	if err != nil {
		logger.Fatal("failed to initialize policy engine", zap.Error(err))
	}

	limiter := limits.NewLimiter(cfg.AgentRequestsRPM)
	defer limiter.Stop()

	svc := service.New(db, llmClient, pricing.NewTable(), budget.NewEngine(db, logger),
		authz.NewScoper(db, policyEngine), limiter, limits.NewGovernor(cfg.StreamsPerUser),
		redact.New(false), metrics.New(prometheus.DefaultRegisterer), cfg, logger)

	server := transport.NewServer(svc, logger)

	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := server.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal("failed to start server", zap.Error(err))
		}
	}()
	logger.Info("orchestrator started", zap.Int("port", cfg.HTTPPort))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down orchestrator")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown server gracefully", zap.Error(err))
	}

	logger.Info("orchestrator stopped")
}
