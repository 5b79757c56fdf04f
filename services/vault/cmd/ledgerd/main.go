package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
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
	"github.com/AfshinJalili/collateral/services/vault/internal/ledger"
	"github.com/AfshinJalili/collateral/services/vault/internal/ledgerclient"
	"github.com/AfshinJalili/collateral/services/vault/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	cfg.App.ServiceName = "vault-ledgerd"

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

	registry := metrics.NewRegistry()
	ready := health.NewManager(false)

	var stateStore ledger.StateStore = ledger.NewMemoryStore()
	if cfg.Ledger.Store == config.StorePostgres {
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
		stateStore = storage.NewLedgerStore(pool)
		ready.AddCheck("postgres", pool.Ping)
	}

	opts := []ledger.Option{ledger.WithWithdrawalDelay(cfg.Ledger.WithdrawalDelay)}
	if cfg.Kafka.Enabled {
		producer, err := kafka.NewProducer(cfg.Producer(), logger, kafka.NewProducerMetrics(registry))
		if err != nil {
			logger.Error("kafka producer init failed", "error", err)
			os.Exit(1)
		}
		defer producer.Close()
		opts = append(opts, ledger.WithEventSink(events.NewLedgerSink(producer, cfg.Kafka.Topics.LedgerEvents)))
	}

	node := ledger.New(stateStore, logging.Component(logger, "ledger"), ledger.NewMetrics(registry), opts...)

	grpcServer := grpc.NewServer()
	ledgerclient.RegisterLedgerServer(grpcServer, ledgerclient.NewServer(node, logger))

	healthServer := grpchealth.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	httpServer := buildHTTPServer(cfg, ready, registry, logger)

	ready.SetReady(true)

	lis, err := net.Listen("tcp", cfg.GRPC.Addr())
	if err != nil {
		logger.Error("grpc listen failed", "error", err)
		os.Exit(1)
	}

	go func() {
		logger.Info("ledger grpc starting", "addr", cfg.GRPC.Addr(), "store", cfg.Ledger.Store)
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("grpc server error", "error", err)
		}
	}()

	go func() {
		logger.Info("ledger http starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	waitForShutdown(grpcServer, healthServer, httpServer, ready, logger)
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

func buildHTTPServer(cfg *config.Config, ready *health.Manager, registry *prometheus.Registry, logger *slog.Logger) *http.Server {
	router := gin.New()
	router.Use(httpmiddleware.RequestID())
	router.Use(httpmiddleware.Logger(logger))
	router.Use(httpmiddleware.Recovery(logger))
	router.Use(trace.Middleware(cfg.App.ServiceName))

	router.GET("/healthz", health.LivenessHandler)
	router.GET("/readyz", health.ReadinessHandler(ready))
	router.GET(cfg.App.MetricsPath, gin.WrapH(metrics.Handler(registry)))

	addr := fmt.Sprintf("%s:%d", cfg.App.HTTP.Host, cfg.App.HTTP.Port)
	return &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.App.HTTP.ReadTimeout,
		WriteTimeout: cfg.App.HTTP.WriteTimeout,
		IdleTimeout:  cfg.App.HTTP.IdleTimeout,
	}
}

func waitForShutdown(grpcServer *grpc.Server, healthServer *grpchealth.Server, httpServer *http.Server, ready *health.Manager, logger *slog.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutdown started")
	ready.SetReady(false)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	grpcDone := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(grpcDone)
	}()

	select {
	case <-grpcDone:
	case <-ctx.Done():
		grpcServer.Stop()
	}

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
}
