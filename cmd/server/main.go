package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"escrow-service/config"
	"escrow-service/internal/api"
	"escrow-service/internal/broker"
	"escrow-service/internal/gateway"
	"escrow-service/internal/idempotency"
	"escrow-service/internal/models"
	"escrow-service/internal/redisclient"
	"escrow-service/internal/resilience"
	"escrow-service/internal/service"
	"escrow-service/internal/store"
	"escrow-service/internal/util"
	"escrow-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, cfg.Observ.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting escrow service")

	if err := models.ValidateTransitionTable(); err != nil {
		logger.Fatal("Escrow transition table is inconsistent", zap.Error(err))
	}

	tp, err := util.InitTracer(util.TracingConfig{
		Environment:    cfg.Server.Env,
		JaegerEndpoint: cfg.Observ.JaegerEndpoint,
		SampleRatio:    cfg.Observ.TraceSampleRatio,
	})
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("Error shutting down tracer", zap.Error(err))
		}
	}()

	var db store.Store
	switch cfg.Database.Driver {
	case "memory":
		db = store.NewMemoryStore()
		logger.Warn("Using in-memory store; data is lost on restart")
	default:
		pg, err := store.NewStore(cfg.Database.URL)
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		db = pg
		logger.Info("Database connected")
	}
	defer db.Close()

	var (
		redisClient *redisclient.Client
		markers     idempotency.MarkerStore
		memMarkers  *idempotency.MemoryMarkers
	)
	if cfg.Redis.IdempotencyBackend == "redis" {
		redisClient, err = redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()
		markers = idempotency.NewRedisMarkers(redisClient)
		logger.Info("Redis connected")
	} else {
		memMarkers = idempotency.NewMemoryMarkers()
		memMarkers.Start(cfg.Resilience.MarkerSweepInterval)
		defer memMarkers.Stop()
		markers = memMarkers
	}

	rc := cfg.Resilience
	breakers := resilience.NewRegistry(resilience.BreakerOptions{
		FailureThreshold:         rc.BreakerFailureThreshold,
		SuccessThreshold:         rc.BreakerSuccessThreshold,
		Timeout:                  rc.BreakerTimeout,
		MonitoringPeriod:         rc.BreakerMonitoringPeriod,
		VolumeThreshold:          rc.BreakerVolumeThreshold,
		ErrorThresholdPercentage: rc.BreakerErrorPercentage,
	})
	retry := resilience.DefaultRetryPolicy()
	retry.MaxRetries = rc.RetryMaxRetries
	retry.InitialDelay = rc.RetryInitialDelay
	retry.Multiplier = rc.RetryMultiplier
	retry.MaxDelay = rc.RetryMaxDelay

	queue := resilience.NewFailedOperationQueue(rc.FailedQueueMaxRetries)
	guard := idempotency.NewGuard(db, markers, idempotency.Config{
		TTL:     rc.IdempotencyTTL,
		MaxWait: rc.TxMaxWait,
		Retry:   idempotency.DefaultTxRetryPolicy(rc.TxMaxRetries),
	})

	var publisher service.Publisher
	if len(cfg.Kafka.Brokers) > 0 {
		producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicNotifications)
		defer producer.Close()
		publisher = broker.NewEventPublisher(producer)
		logger.Info("Kafka producer initialized", zap.String("topic", cfg.Kafka.TopicNotifications))
	} else {
		publisher = broker.NewLogPublisher()
	}
	notifier := service.NewNotifier(publisher, breakers, retry, queue)

	gw := gateway.NewClient(gateway.Config{
		BaseURL:       cfg.Gateway.BaseURL,
		KeyID:         cfg.Gateway.KeyID,
		KeySecret:     cfg.Gateway.KeySecret,
		WebhookSecret: cfg.Gateway.WebhookSecret,
		Currency:      cfg.Gateway.Currency,
		Timeout:       cfg.Gateway.Timeout,
	})
	gatewayService := service.NewGatewayService(gw, breakers, retry)

	escrowService := service.NewEscrowService(db, guard, gatewayService, resilience.NewSagaCoordinator(), notifier, service.EscrowConfig{
		GracePeriod:         cfg.Escrow.GracePeriod,
		PlatformFeePercent:  cfg.Escrow.PlatformFeePercent,
		PartialRefundStatus: models.EscrowStatus(cfg.Escrow.PartialRefundStatus),
		AutoReleaseBatch:    cfg.Escrow.AutoReleaseBatch,
	})
	if redisClient != nil {
		escrowService.UseLocker(redisClient)
	}
	disputeService := service.NewDisputeService(db, guard, escrowService, notifier)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	sweeper := worker.NewSweeper(escrowService, queue, cfg.Escrow.AutoReleaseInterval, cfg.Escrow.QueueProcessInterval)
	go func() {
		if err := sweeper.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Sweeper error", zap.Error(err))
		}
	}()

	var webhookWorker *worker.WebhookWorker
	if cfg.Kafka.TopicWebhooks != "" && len(cfg.Kafka.Brokers) > 0 {
		consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicWebhooks, cfg.Kafka.ConsumerGroup)
		webhookWorker = worker.NewWebhookWorker(consumer, escrowService.HandleWebhook, queue)
		go func() {
			if err := webhookWorker.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Webhook worker error", zap.Error(err))
			}
		}()
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(escrowService, disputeService, breakers, queue, guard)
	handler.AddReadinessCheck("store", db)
	if redisClient != nil {
		handler.AddReadinessCheck("redis", redisClient)
	}
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if webhookWorker != nil {
		if err := webhookWorker.Stop(); err != nil {
			logger.Warn("Error stopping webhook worker", zap.Error(err))
		}
	}
	notifier.Wait()

	logger.Info("Server exited")
}
