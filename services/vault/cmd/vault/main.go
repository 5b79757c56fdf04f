package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AfshinJalili/collateral/libs/health"
	"github.com/AfshinJalili/collateral/libs/httpmiddleware"
	"github.com/AfshinJalili/collateral/libs/kafka"
	"github.com/AfshinJalili/collateral/libs/logging"
	"github.com/AfshinJalili/collateral/libs/metrics"
	"github.com/AfshinJalili/collateral/libs/trace"
	"github.com/AfshinJalili/collateral/services/vault/internal/config"
	"github.com/AfshinJalili/collateral/services/vault/internal/events"
	"github.com/AfshinJalili/collateral/services/vault/internal/handlers"
	"github.com/AfshinJalili/collateral/services/vault/internal/ledger"
	"github.com/AfshinJalili/collateral/services/vault/internal/ledgerclient"
	"github.com/AfshinJalili/collateral/services/vault/internal/monitor"
	"github.com/AfshinJalili/collateral/services/vault/internal/rate"
	"github.com/AfshinJalili/collateral/services/vault/internal/reconcile"
	"github.com/AfshinJalili/collateral/services/vault/internal/service"
	"github.com/AfshinJalili/collateral/services/vault/internal/storage"
	"github.com/AfshinJalili/collateral/services/vault/internal/tracker"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.App.LogLevel, cfg.App.ServiceName, cfg.App.Env)
	shutdownTracer, err := trace.InitTracer(cfg.App.ServiceName, cfg.App.Env)
	if err != nil {
		logger.Error("tracer init failed", "error", err)
	} else {
		defer func() {
			_ = shutdownTracer(context.Background())
		}()
	}

	if cfg.App.Env == "dev" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	if cfg.Auth.JWTSecret == "" {
		logger.Error("auth.jwt_secret must be set")
		os.Exit(1)
	}

	registry := metrics.NewRegistry()
	ready := health.NewManager(false)

	pool, err := connectDB(cfg)
	if err != nil {
		logger.Error("db connection failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	if err := storage.EnsureSchema(context.Background(), pool); err != nil {
		logger.Error("schema migration failed", "error", err)
		os.Exit(1)
	}
	store := storage.New(pool)
	ready.AddCheck("postgres", store.Ping)

	var producer kafka.Publisher
	if cfg.Kafka.Enabled {
		p, err := kafka.NewProducer(cfg.Producer(), logger, kafka.NewProducerMetrics(registry))
		if err != nil {
			logger.Error("kafka producer init failed", "error", err)
			os.Exit(1)
		}
		defer p.Close()
		producer = p
	}

	client, closeLedger, err := connectLedger(cfg, pool, producer, registry, logger)
	if err != nil {
		logger.Error("ledger connection failed", "error", err)
		os.Exit(1)
	}
	defer closeLedger()

	thresholds, err := cfg.Thresholds()
	if err != nil {
		logger.Error("invalid tracker thresholds", "error", err)
		os.Exit(1)
	}
	trackerOpts := []tracker.Option{
		tracker.WithThresholds(thresholds),
		tracker.WithMetrics(tracker.NewMetrics(registry)),
	}
	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		trackerOpts = append(trackerOpts, tracker.WithMirror(tracker.NewRedisMirror(rdb, cfg.Redis.Key)))
		ready.AddCheck("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	}
	balances := tracker.New(client, store, logging.Component(logger, "tracker"), trackerOpts...)

	warmCtx, warmCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := balances.Warm(warmCtx); err != nil {
		logger.Warn("tracker warm start failed", "error", err)
	}
	warmCancel()

	preloadCtx, preloadCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if _, err := balances.Preload(preloadCtx, store); err != nil {
		logger.Warn("tracker preload failed", "error", err)
	}
	preloadCancel()

	var publisher service.BalancePublisher
	if producer != nil {
		publisher = events.NewBalancePublisher(kafka.WithDeadLetter(producer, cfg.Kafka.Topics.DLQ, logger), cfg.Kafka.Topics.BalanceUpdated)
	}
	vaults := service.NewVaultService(client, balances, store, publisher, logging.Component(logger, "service"), service.NewMetrics(registry))

	reconciler := reconcile.New(balances, store, logging.Component(logger, "reconcile"), reconcile.NewMetrics(registry))
	mon := monitor.New(balances, vaults, cfg.MonitorConfig(), logging.Component(logger, "monitor"), monitor.NewMetrics(registry))

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	reconciler.Start(bgCtx, cfg.Reconcile.Interval)
	mon.Start(bgCtx)

	if cfg.Kafka.Enabled {
		consumer, err := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, logger)
		if err != nil {
			logger.Error("kafka consumer init failed", "error", err)
			os.Exit(1)
		}
		consumer.WithDLQ(producer, cfg.Kafka.Topics.DLQ)
		defer consumer.Close()
		go func() {
			err := consumer.Consume(bgCtx, []string{cfg.Kafka.Topics.LedgerEvents}, reconcile.NewEventConsumer(reconciler, logger))
			if err != nil && bgCtx.Err() == nil {
				logger.Error("ledger event consumer stopped", "error", err)
			}
		}()
	}

	var limiter rate.Limiter
	switch {
	case !cfg.RateLimit.Enabled:
	case rdb != nil:
		limiter = rate.NewRedis(rdb, cfg.RateLimit.Limit, cfg.RateLimit.Window, "")
	default:
		limiter = rate.NewMemory(cfg.RateLimit.Limit, cfg.RateLimit.Window)
	}

	h := &handlers.Handler{
		Vaults:     vaults,
		Balances:   balances,
		Reconciler: reconciler,
		Monitor:    mon,
		History:    store,
		Directory:  store,
		Analytics:  store,
		Keys:       store,
		Limiter:    limiter,
		Logger:     logger,
	}
	httpServer := buildHTTPServer(cfg, h, ready, registry, logger)

	ready.SetReady(true)

	go func() {
		logger.Info("vault http starting", "addr", httpServer.Addr, "ledger_mode", cfg.Ledger.Mode)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	waitForShutdown(httpServer, ready, bgCancel, logger)
}

// connectLedger returns the ledger client for the configured mode. Memory mode
// embeds a reference ledger in this process.
func connectLedger(cfg *config.Config, pool *pgxpool.Pool, producer kafka.Publisher, registry *prometheus.Registry, logger *slog.Logger) (ledgerclient.Client, func(), error) {
	if cfg.Ledger.Mode == config.LedgerModeGRPC {
		conn, err := ledgerclient.Dial(cfg.Ledger.Addr)
		if err != nil {
			return nil, nil, err
		}
		return ledgerclient.NewGRPCClient(conn), func() { _ = conn.Close() }, nil
	}

	var stateStore ledger.StateStore = ledger.NewMemoryStore()
	if cfg.Ledger.Store == config.StorePostgres {
		stateStore = storage.NewLedgerStore(pool)
	}
	opts := []ledger.Option{ledger.WithWithdrawalDelay(cfg.Ledger.WithdrawalDelay)}
	if producer != nil {
		opts = append(opts, ledger.WithEventSink(events.NewLedgerSink(producer, cfg.Kafka.Topics.LedgerEvents)))
	}
	return ledger.New(stateStore, logging.Component(logger, "ledger"), ledger.NewMetrics(registry), opts...), func() {}, nil
}

func connectDB(cfg *config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DB.URL())
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func buildHTTPServer(cfg *config.Config, h *handlers.Handler, ready *health.Manager, registry *prometheus.Registry, logger *slog.Logger) *http.Server {
	router := gin.New()
	router.Use(httpmiddleware.RequestID())
	router.Use(httpmiddleware.Logger(logger))
	router.Use(httpmiddleware.Recovery(logger))
	router.Use(trace.Middleware(cfg.App.ServiceName))

	router.GET("/healthz", health.LivenessHandler)
	router.GET("/readyz", health.ReadinessHandler(ready))
	router.GET(cfg.App.MetricsPath, gin.WrapH(metrics.Handler(registry)))

	h.Register(router, []byte(cfg.Auth.JWTSecret))

	addr := fmt.Sprintf("%s:%d", cfg.App.HTTP.Host, cfg.App.HTTP.Port)
	return &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.App.HTTP.ReadTimeout,
		WriteTimeout: cfg.App.HTTP.WriteTimeout,
		IdleTimeout:  cfg.App.HTTP.IdleTimeout,
	}
}

func waitForShutdown(httpServer *http.Server, ready *health.Manager, cancel context.CancelFunc, logger *slog.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutdown started")
	ready.SetReady(false)
	cancel()

	ctx, cancelTimeout := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelTimeout()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
}
