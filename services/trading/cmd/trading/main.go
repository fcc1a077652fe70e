package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/sharex/sharex/libs/health"
	"github.com/sharex/sharex/libs/httpmiddleware"
	"github.com/sharex/sharex/libs/kafka"
	"github.com/sharex/sharex/libs/logging"
	"github.com/sharex/sharex/libs/metrics"
	"github.com/sharex/sharex/libs/trace"
	"github.com/sharex/sharex/services/trading/internal/config"
	"github.com/sharex/sharex/services/trading/internal/consumer"
	"github.com/sharex/sharex/services/trading/internal/engine"
	"github.com/sharex/sharex/services/trading/internal/events"
	"github.com/sharex/sharex/services/trading/internal/handlers"
	"github.com/sharex/sharex/services/trading/internal/rate"
	"github.com/sharex/sharex/services/trading/internal/service"
	"github.com/sharex/sharex/services/trading/internal/storage"
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

	registry := metrics.NewRegistry()
	tradingMetrics := service.NewMetrics(registry)

	ready := health.NewManager(false)

	pool, err := connectDB(cfg)
	if err != nil {
		logger.Error("db connection failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), 30*time.Second)
	err = storage.Migrate(migrateCtx, pool)
	cancelMigrate()
	if err != nil {
		logger.Error("schema migration failed", "error", err)
		os.Exit(1)
	}

	store := storage.NewPostgres(pool, logger)
	ready.AddCheck("postgres", store.Ping)

	eng := engine.New(store, cfg.Trading, logger, tradingMetrics)
	hub := events.NewHub(logger)
	sinks := []events.Sink{hub}

	var producer *kafka.DeadLetterPublisher
	if cfg.Kafka.Enabled {
		producerMetrics := kafka.NewProducerMetrics(registry)
		syncProducer, err := kafka.NewSyncProducer(cfg.Kafka.Brokers, logger, producerMetrics)
		if err != nil {
			logger.Error("kafka producer init failed", "error", err)
			os.Exit(1)
		}
		defer syncProducer.Close()
		producer = kafka.NewDeadLetterPublisher(syncProducer, cfg.Kafka.Topics.DeadLetter, logger, producerMetrics)
		sinks = append(sinks, events.NewKafkaSink(producer, map[string]string{
			events.TypeTradeExecuted: cfg.Kafka.Topics.TradesExecuted,
			events.TypePriceUpdated:  cfg.Kafka.Topics.PricesUpdated,
			events.TypeOrderUpdated:  cfg.Kafka.Topics.OrdersUpdated,
		}))
	}
	queue := events.NewQueue(cfg.EventBuffer, logger, tradingMetrics, sinks...)

	orderSvc := service.NewOrderService(eng, store, queue, logger, tradingMetrics)
	sweeper := service.NewExpirySweeper(eng, queue, cfg.ExpiryInterval, cfg.Trading.ExpiryBatch, logger, tradingMetrics)

	limiter, closeLimiter := buildLimiter(cfg, ready, logger)
	defer closeLimiter()

	router := gin.New()
	router.Use(httpmiddleware.RequestID())
	router.Use(httpmiddleware.Logger(logger))
	router.Use(httpmiddleware.Recovery(logger))
	router.Use(trace.Middleware(cfg.App.ServiceName))

	router.GET("/healthz", health.LivenessHandler)
	router.GET("/readyz", health.ReadinessHandler(ready))
	router.GET(cfg.App.MetricsPath, gin.WrapH(metrics.Handler(registry)))

	handlers.New(orderSvc, logger).Register(router, []byte(cfg.JWTSecret), rate.Middleware(limiter, logger), hub)

	httpServer := &http.Server{
		Addr:         cfg.App.HTTP.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.App.HTTP.ReadTimeout,
		WriteTimeout: cfg.App.HTTP.WriteTimeout,
		IdleTimeout:  cfg.App.HTTP.IdleTimeout,
	}

	grpcServer := grpc.NewServer()
	healthServer := grpchealth.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	grpcAddr := fmt.Sprintf("%s:%d", cfg.GRPC.Host, cfg.GRPC.Port)
	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		logger.Error("grpc listen failed", "error", err)
		os.Exit(1)
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		queue.Run(bgCtx)
	}()
	go func() {
		defer wg.Done()
		sweeper.Run(bgCtx)
	}()

	if cfg.Kafka.Enabled {
		instrumentConsumer, err := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, logger,
			kafka.WithDLQ(producer, cfg.Kafka.Topics.DeadLetter))
		if err != nil {
			logger.Error("kafka consumer init failed", "error", err)
			os.Exit(1)
		}
		defer instrumentConsumer.Close()

		handler := consumer.NewInstrumentConsumer(store, logger, tradingMetrics)
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("instrument consumer starting", "topic", cfg.Kafka.Topics.InstrumentsStatus)
			if err := instrumentConsumer.Consume(bgCtx, []string{cfg.Kafka.Topics.InstrumentsStatus}, handler); err != nil {
				logger.Error("kafka consumer error", "error", err)
			}
		}()
	}

	go func() {
		logger.Info("trading grpc starting", "addr", grpcAddr)
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("grpc server error", "error", err)
		}
	}()
	go func() {
		logger.Info("trading http starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	ready.SetReady(true)

	waitForShutdown(grpcServer, healthServer, httpServer, hub, ready, bgCancel, logger)
	wg.Wait()
	logger.Info("shutdown complete")
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

// buildLimiter prefers Redis so limits hold across replicas, and falls back
// to an in-process limiter when Redis is not configured or unreachable.
func buildLimiter(cfg *config.Config, ready *health.Manager, logger *slog.Logger) (rate.Limiter, func()) {
	if cfg.Redis.Addr == "" {
		logger.Info("rate limiter using memory backend")
		return rate.NewMemory(cfg.RateLimit.Limit, cfg.RateLimit.Window), func() {}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unavailable, rate limiter using memory backend", "error", err)
		_ = client.Close()
		return rate.NewMemory(cfg.RateLimit.Limit, cfg.RateLimit.Window), func() {}
	}

	ready.AddCheck("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
	logger.Info("rate limiter using redis backend", "addr", cfg.Redis.Addr)
	return rate.NewRedisLimiter(client, cfg.RateLimit.Limit, cfg.RateLimit.Window, ""), func() { _ = client.Close() }
}

func waitForShutdown(grpcServer *grpc.Server, healthServer *grpchealth.Server, httpServer *http.Server, hub *events.Hub, ready *health.Manager, cancel context.CancelFunc, logger *slog.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutdown started")
	ready.SetReady(false)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	ctx, cancelTimeout := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelTimeout()

	hub.Close()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	cancel()

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
}
