package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Leeelics/Folio/libs/health"
	"github.com/Leeelics/Folio/libs/httpmiddleware"
	"github.com/Leeelics/Folio/libs/kafka"
	"github.com/Leeelics/Folio/libs/logging"
	"github.com/Leeelics/Folio/libs/metrics"
	"github.com/Leeelics/Folio/libs/trace"
	"github.com/Leeelics/Folio/services/ledger/internal/config"
	"github.com/Leeelics/Folio/services/ledger/internal/consumer"
	"github.com/Leeelics/Folio/services/ledger/internal/fx"
	"github.com/Leeelics/Folio/services/ledger/internal/handlers"
	"github.com/Leeelics/Folio/services/ledger/internal/quote"
	"github.com/Leeelics/Folio/services/ledger/internal/service"
	"github.com/Leeelics/Folio/services/ledger/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
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

	logger := logging.NewLogger(cfg.App.LogLevel, cfg.App.ServiceName, cfg.App.Env)
	shutdownTracer, err := trace.InitTracer(context.Background(), trace.Config{
		ServiceName: cfg.App.ServiceName,
		Env:         cfg.App.Env,
		Endpoint:    cfg.Trace.Endpoint,
		Insecure:    cfg.Trace.Insecure,
		SampleRatio: cfg.Trace.SampleRatio,
	})
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
	httpMetrics := metrics.NewHTTP(registry)
	ledgerMetrics := service.NewMetrics(registry)
	fxMetrics := fx.NewMetrics(registry)

	ready := health.NewManager(false)

	store, closeStore, err := openStore(cfg, ready, logger)
	if err != nil {
		logger.Error("storage init failed", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	providers, err := fx.NewProviders(cfg.FX.Providers, &http.Client{Timeout: cfg.FX.ProviderTimeout})
	if err != nil {
		logger.Error("fx providers init failed", "error", err)
		os.Exit(1)
	}
	resolver := fx.NewResolver(store, providers, nil, fx.Config{
		CacheTTL:        cfg.FX.CacheTTL,
		HistoryWindow:   cfg.FX.HistoryWindow,
		ProviderTimeout: cfg.FX.ProviderTimeout,
	}, logger, fxMetrics)

	var quotes quote.Fetcher
	if cfg.Quotes.Enabled {
		var fetcher quote.Fetcher = quote.NewYahooFetcher(cfg.Quotes.BaseURL, &http.Client{Timeout: cfg.Quotes.Timeout})
		if cfg.Redis.Addr != "" {
			rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
			defer rdb.Close()
			ready.Register("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
			fetcher = quote.NewRedisCache(rdb, fetcher, cfg.Quotes.CacheTTL, cfg.Quotes.Prefix, logger)
		}
		quotes = fetcher
	}

	opts := service.Options{
		OversellPolicy: cfg.Ledger.OversellPolicy,
		Topics: service.EventTopics{
			Transactions: cfg.Kafka.Topics.Transactions,
			Cash:         cfg.Kafka.Topics.Cash,
		},
	}

	consumerCtx, consumerCancel := context.WithCancel(context.Background())
	defer consumerCancel()

	if cfg.Kafka.Enabled {
		producer, err := kafka.NewSyncProducer(cfg.Kafka.Brokers, cfg.Kafka.ClientID, logger, kafka.NewProducerMetrics(registry))
		if err != nil {
			logger.Error("kafka producer init failed", "error", err)
			os.Exit(1)
		}
		defer producer.Close()
		opts.Publisher = producer
		if strings.TrimSpace(cfg.Kafka.Topics.DeadLetter) != "" {
			opts.Publisher = kafka.NewDLQPublisher(producer, producer, cfg.Kafka.Topics.DeadLetter, logger)
		}

		if cfg.Kafka.Topics.Rates != "" {
			group, err := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, logger, kafka.ConsumerOptions{
				ClientID:     cfg.Kafka.ClientID,
				DLQPublisher: producer,
				DLQTopic:     cfg.Kafka.Topics.DeadLetter,
			})
			if err != nil {
				logger.Error("kafka consumer init failed", "error", err)
				os.Exit(1)
			}
			defer group.Close()

			rateConsumer := consumer.NewRateConsumer(resolver, logger)
			go func() {
				logger.Info("rate consumer starting", "topic", cfg.Kafka.Topics.Rates)
				if err := group.Consume(consumerCtx, []string{cfg.Kafka.Topics.Rates}, rateConsumer); err != nil && consumerCtx.Err() == nil {
					logger.Error("kafka consumer error", "error", err)
				}
			}()
		}
	}

	ledgerService := service.NewLedgerService(store, resolver, quotes, logger, ledgerMetrics, opts)
	ledgerHandler := handlers.NewLedgerHandler(ledgerService, resolver, logger)

	grpcServer := grpc.NewServer()
	healthServer := grpchealth.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	httpServer := buildHTTPServer(cfg, ledgerHandler, ready, registry, httpMetrics, logger)

	grpcAddr := fmt.Sprintf("%s:%d", cfg.GRPC.Host, cfg.GRPC.Port)
	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		logger.Error("grpc listen failed", "error", err)
		os.Exit(1)
	}

	ready.SetReady(true)

	go func() {
		logger.Info("ledger grpc starting", "addr", grpcAddr)
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("grpc server error", "error", err)
		}
	}()

	go func() {
		logger.Info("ledger http starting", "addr", httpServer.Addr, "storage", cfg.Ledger.Storage)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	waitForShutdown(grpcServer, healthServer, httpServer, ready, consumerCancel, logger)
}

// openStore returns the configured store and its close func. Postgres is
// migrated and registered as a readiness check.
func openStore(cfg *config.Config, ready *health.Manager, logger *slog.Logger) (storage.Store, func(), error) {
	if cfg.Ledger.Storage == config.StorageMemory {
		logger.Warn("using in-memory storage, data is lost on restart")
		return storage.NewMemoryStore(), func() {}, nil
	}

	pool, err := connectDB(cfg)
	if err != nil {
		return nil, nil, err
	}
	store := storage.NewPostgres(pool, logger, cfg.DB.LockTimeout)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	ready.Register("postgres", pool.Ping)
	return store, pool.Close, nil
}

func connectDB(cfg *config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DB.DSN())
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func buildHTTPServer(cfg *config.Config, ledgerHandler *handlers.LedgerHandler, ready *health.Manager, registry *prometheus.Registry, httpMetrics *metrics.HTTP, logger *slog.Logger) *http.Server {
	router := gin.New()
	router.Use(httpmiddleware.RequestID())
	router.Use(httpmiddleware.Logger(logger, httpMetrics))
	router.Use(httpmiddleware.Recovery(logger))
	router.Use(trace.Middleware(cfg.App.ServiceName))

	router.GET("/healthz", health.LivenessHandler)
	router.GET("/readyz", health.ReadinessHandler(ready))
	router.GET(cfg.App.MetricsPath, gin.WrapH(metrics.Handler(registry)))
	ledgerHandler.RegisterRoutes(router)

	addr := fmt.Sprintf("%s:%d", cfg.App.HTTP.Host, cfg.App.HTTP.Port)
	return &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.App.HTTP.ReadTimeout,
		WriteTimeout: cfg.App.HTTP.WriteTimeout,
		IdleTimeout:  cfg.App.HTTP.IdleTimeout,
	}
}

func waitForShutdown(grpcServer *grpc.Server, healthServer *grpchealth.Server, httpServer *http.Server, ready *health.Manager, cancel context.CancelFunc, logger *slog.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutdown started")
	ready.SetReady(false)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	cancel()

	ctx, cancelTimeout := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelTimeout()

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
	logger.Info("shutdown complete")
}
