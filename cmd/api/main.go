package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"milestonepay/internal/api"
	"milestonepay/internal/httpserver"
	"milestonepay/internal/ledger"
	"milestonepay/internal/proofstore"
	"milestonepay/internal/repository/postgres"
	"milestonepay/internal/service/binding"
	"milestonepay/internal/service/lifecycle"
	"milestonepay/internal/service/project"
	"milestonepay/internal/service/reconcile"
	"milestonepay/internal/service/release"
	"milestonepay/migrations"
	"milestonepay/pkg/config"
	"milestonepay/pkg/db"
	"milestonepay/pkg/logger"
	"milestonepay/pkg/mq"
	"milestonepay/pkg/otel"
	redisclient "milestonepay/pkg/redis"
)

const version = "0.1.0"

func main() {
	ctx := context.Background()

	cfg, err := config.Load(config.GetConfigEnv(), config.GetEnv("CONFIG_DIR", "config"))
	if err != nil {
		panic(err)
	}

	log := logger.NewLogger(cfg.Server.LogLevel)
	defer log.Sync()

	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid configuration", zap.Error(err))
	}

	log.Info("Starting milestonepay api...",
		zap.String("db_host", cfg.DB.Host),
		zap.Int("db_port", cfg.DB.Port),
		zap.String("rpc_url", cfg.Chain.RPCURL),
		zap.String("release_mode", cfg.Release.Mode),
	)

	shutdownOtel, err := otel.Init(ctx, cfg.Otel, version, log)
	if err != nil {
		log.Warn("Failed to init OpenTelemetry, continuing without tracing", zap.Error(err))
	}

	// DB
	log.Info("Initializing database connection...")
	dbConn, err := db.NewConnection(cfg.DB, log)
	if err != nil {
		log.Fatal("Failed to init DB", zap.Error(err))
	}
	defer dbConn.Close()
	if cfg.DB.AutoMigrate {
		if err := db.ApplyMigrations(ctx, dbConn, migrations.FS, log); err != nil {
			log.Fatal("Failed to apply migrations", zap.Error(err))
		}
	}

	// Redis
	rdb, err := redisclient.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		log.Fatal("Failed to init Redis", zap.Error(err))
	}
	defer rdb.Close()

	// MQ publisher，只用于 readiness；事件通过 outbox 由 worker 发布
	publisher, err := mq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		log.Fatal("Failed to init MQ publisher", zap.Error(err))
	}
	defer publisher.Close()

	// Ledger
	ledgerClient, ethClient, err := ledger.Dial(ctx, cfg.Chain, log)
	if err != nil {
		log.Fatal("Failed to init ledger client", zap.Error(err))
	}
	defer ethClient.Close()
	reader := ledger.NewCachedReader(ledgerClient, rdb, cfg.Chain.ReadCacheTTL, log)

	projects := postgres.NewProjectStore(dbConn, log)
	users := postgres.NewUserStore(dbConn, log)
	proofs := proofstore.NewPinataClient(cfg.ProofStore, log)

	var dlock release.DistributedLocker
	if cfg.Release.DistributedLock {
		dlock = redisclient.NewLocker(rdb, "milestonepay:lock:")
	}
	coordinator := release.NewCoordinator(projects, ledgerClient, reader, dlock, release.OptionsFromConfig(cfg.Release), log)

	views := reconcile.NewService(projects, reader, ledgerClient, log)
	handlers := httpserver.Handlers{
		Projects: api.NewProjectHandler(project.NewService(projects, users, proofs, log), views, log),
		Escrow: api.NewEscrowHandler(
			binding.NewService(projects, users, ledgerClient, cfg.Chain.ApproverAddress, log),
			cfg.Chain.CurrencyDecimals,
			log,
		),
		Milestones: api.NewMilestoneHandler(
			lifecycle.NewService(projects, reader, proofs, coordinator, cfg.Release.Mode, log),
			log,
		),
	}

	checks := []httpserver.ReadyCheck{
		{Name: "db", Check: dbConn.Ping},
		{Name: "redis", Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
		{Name: "mq", Check: func(context.Context) error {
			if !publisher.IsConnected() {
				return errors.New("publisher connection closed")
			}
			return nil
		}},
	}
	router := httpserver.NewRouter(handlers, cfg.JWT.Secret, checks, log)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router.Engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("HTTP server starting", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	log.Info("milestonepay api is fully initialized and running",
		zap.String("signer", ledgerClient.SignerAddress()),
	)

	// 优雅退出处理
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down milestonepay api gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// 关闭 HTTP 服务器；进行中的放款请求会在超时内完成
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	} else {
		log.Info("HTTP server stopped")
	}

	if shutdownOtel != nil {
		if err := shutdownOtel(shutdownCtx); err != nil {
			log.Error("OpenTelemetry shutdown error", zap.Error(err))
		}
	}

	log.Info("milestonepay api shutdown complete")
}
