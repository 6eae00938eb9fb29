package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	mqcontracts "milestonepay/contracts/mq"
	"milestonepay/internal/ledger"
	"milestonepay/internal/mqhandler"
	"milestonepay/internal/repository/postgres"
	"milestonepay/internal/service/release"
	"milestonepay/internal/service/sweeper"
	"milestonepay/pkg/config"
	"milestonepay/pkg/db"
	"milestonepay/pkg/logger"
	"milestonepay/pkg/metrics"
	"milestonepay/pkg/mq"
	"milestonepay/pkg/otel"
	"milestonepay/pkg/outbox"
	redisclient "milestonepay/pkg/redis"
	"milestonepay/pkg/util"
)

const (
	version      = "0.1.0"
	releaseQueue = "milestone.approved.release.q"
)

func main() {
	replay := flag.Int("replay-failed", 0, "republish up to N failed outbox events and exit")
	replayKey := flag.String("replay-routing-key", "", "only replay failed events with this routing key")
	replayID := flag.Int64("replay-id", 0, "republish a single outbox event by id and exit")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(config.GetConfigEnv(), config.GetEnv("CONFIG_DIR", "config"))
	if err != nil {
		panic(err)
	}

	log := logger.NewLogger(cfg.Server.LogLevel)
	defer log.Sync()

	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid configuration", zap.Error(err))
	}

	log.Info("Starting milestonepay worker...",
		zap.String("db_host", cfg.DB.Host),
		zap.String("mq_url", cfg.MQ.URL),
		zap.Duration("sweep_interval", cfg.Worker.SweepInterval),
	)

	shutdownOtel, err := otel.Init(ctx, cfg.Otel, version, log)
	if err != nil {
		log.Warn("Failed to init OpenTelemetry, continuing without tracing", zap.Error(err))
	}

	// DB
	dbConn, err := db.NewConnection(cfg.DB, log)
	if err != nil {
		log.Fatal("DB initialization failed", zap.Error(err))
	}
	defer dbConn.Close()

	// Redis
	rdb, err := redisclient.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		log.Fatal("Failed to init Redis", zap.Error(err))
	}
	defer rdb.Close()

	publisher, err := mq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		log.Fatal("Failed to init MQ publisher", zap.Error(err))
	}
	defer publisher.Close()

	outboxRepo := outbox.NewRepository(dbConn)

	// 运维重放模式：发完即退出
	replayer := outbox.NewReplayService(outboxRepo, publisher, cfg.Outbox.MaxRetries, log)
	if *replayID > 0 {
		if err := replayer.ReplayByID(ctx, *replayID); err != nil {
			log.Fatal("Outbox replay failed", zap.Int64("event_id", *replayID), zap.Error(err))
		}
		log.Info("Outbox event replayed", zap.Int64("event_id", *replayID))
		return
	}
	if *replay > 0 {
		n, err := replayer.ReplayFailedEvents(ctx, *replayKey, *replay)
		if err != nil {
			log.Fatal("Outbox replay failed", zap.Int("replayed", n), zap.Error(err))
		}
		log.Info("Outbox replay complete", zap.Int("replayed", n))
		return
	}

	// Ledger
	ledgerClient, ethClient, err := ledger.Dial(ctx, cfg.Chain, log)
	if err != nil {
		log.Fatal("Failed to init ledger client", zap.Error(err))
	}
	defer ethClient.Close()
	cache := ledger.NewCachedReader(ledgerClient, rdb, cfg.Chain.ReadCacheTTL, log)

	projects := postgres.NewProjectStore(dbConn, log)

	var dlock release.DistributedLocker
	if cfg.Release.DistributedLock {
		dlock = redisclient.NewLocker(rdb, "milestonepay:lock:")
	}
	coordinator := release.NewCoordinator(projects, ledgerClient, cache, dlock, release.OptionsFromConfig(cfg.Release), log)

	deduper := util.NewDeduper(rdb, 24*time.Hour, log)
	retryCounter := util.NewRetryCounter(rdb, 24*time.Hour)

	var wg sync.WaitGroup
	run := func(name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info("Starting " + name)
			fn()
		}()
	}

	// (1) Outbox dispatcher
	dispatcher := outbox.NewDispatcher(outboxRepo, publisher, log).
		WithInterval(cfg.Outbox.Interval).
		WithBatchSize(cfg.Outbox.BatchSize).
		WithMaxRetries(cfg.Outbox.MaxRetries)
	run("outbox dispatcher", func() { dispatcher.Start(ctx) })

	// (2) milestone.approved consumer，异步放款
	log.Info("Initializing release consumer", zap.String("queue", releaseQueue))
	consumer, err := mq.NewConsumer(cfg.MQ.URL, releaseQueue, mqcontracts.RoutingMilestoneApproved, 1, log)
	if err != nil {
		log.Fatal("Failed to init release consumer", zap.Error(err))
	}
	defer consumer.Close()
	releaseHandler := mqhandler.NewMilestoneApprovedHandler(coordinator, retryCounter, deduper, publisher, 5, log)
	consumer.SetHandler(releaseHandler.Handle)
	run("release consumer", func() {
		if err := consumer.StartConsuming(ctx); err != nil {
			log.Fatal("Release consumer failed", zap.Error(err))
		}
	})

	// (3) Sweepers
	bindingSweeper := sweeper.NewBindingSweeper(projects, deduper, cfg.Worker.BindingStaleAfter, log)
	run("binding sweeper", func() {
		sweeper.Run(ctx, "binding", cfg.Worker.SweepInterval, log, bindingSweeper.Sweep)
	})
	releaseSweeper := sweeper.NewReleaseSweeper(projects, coordinator, retryCounter, cfg.Worker.ReleaseStaleAfter, cfg.Worker.MaxReleaseAttempts, log)
	run("release sweeper", func() {
		sweeper.Run(ctx, "release", cfg.Worker.SweepInterval, log, releaseSweeper.Sweep)
	})

	// (4) Metrics
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !consumer.IsConnected() || !publisher.IsConnected() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	metricsSrv := &http.Server{
		Addr:              ":" + cfg.Worker.MetricsPort,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("Metrics server starting", zap.String("port", cfg.Worker.MetricsPort))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Metrics server failed", zap.Error(err))
		}
	}()

	log.Info("milestonepay worker is fully initialized and running")

	// 优雅退出处理
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down milestonepay worker gracefully...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info("Background jobs stopped")
	case <-shutdownCtx.Done():
		log.Warn("Timed out waiting for background jobs")
	}

	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("Metrics server shutdown error", zap.Error(err))
	}
	if shutdownOtel != nil {
		if err := shutdownOtel(shutdownCtx); err != nil {
			log.Error("OpenTelemetry shutdown error", zap.Error(err))
		}
	}

	log.Info("milestonepay worker shutdown complete")
}
