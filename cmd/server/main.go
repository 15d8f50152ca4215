package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/honeynil/ZenLearnPayments/internal/api"
	"github.com/honeynil/ZenLearnPayments/internal/config"
	"github.com/honeynil/ZenLearnPayments/internal/handler"
	"github.com/honeynil/ZenLearnPayments/internal/infrastructure/auth"
	"github.com/honeynil/ZenLearnPayments/internal/infrastructure/gateway"
	"github.com/honeynil/ZenLearnPayments/internal/infrastructure/kafka"
	"github.com/honeynil/ZenLearnPayments/internal/infrastructure/redis"
	"github.com/honeynil/ZenLearnPayments/internal/observability"
	core "github.com/honeynil/ZenLearnPayments/internal/repository/postgres"
	service "github.com/honeynil/ZenLearnPayments/internal/services"
	"github.com/honeynil/ZenLearnPayments/internal/worker"
	_ "github.com/lib/pq"
)

const (
	serviceName       = "payment-service"
	reconcilerGroupID = "payment-reconciler"
	shutdownTimeout   = 5 * time.Second
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()

	shutdownTracing := observability.Setup(ctx, serviceName, cfg.LogLevel, cfg.OTLPEndpoint)
	defer shutdownTracing(context.Background())

	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("Failed to open Postgres: %v", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("Failed to connect to Postgres: %v", err)
	}
	if cfg.AutoMigrate {
		if err := core.Migrate(ctx, db); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
	}

	redisClient, err := redis.NewClient(ctx, redis.Options{
		Addr:      cfg.RedisAddr,
		Password:  cfg.RedisPass,
		DB:        cfg.RedisDB,
		KeyPrefix: cfg.RedisPrefix,
	})
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()

	producer := kafka.NewProducer(cfg.KafkaBrokers)
	defer producer.Close()

	// Repositories
	tx := core.NewTransactor(db)
	userRepo := core.NewPostgresUserRepository(db)
	ledgerRepo := core.NewPostgresLedgerRepository(db)
	productRepo := core.NewPostgresProductRepository(db)
	grantRepo := core.NewPostgresAccessGrantRepository(db)
	paymentRepo := core.NewPostgresPaymentRepository(db)
	logRepo := core.NewPostgresStatusLogRepository(db)
	notificationRepo := core.NewPostgresNotificationRepository(db)

	xendit := gateway.NewXenditClient(gateway.XenditConfig{
		BaseURL:            cfg.XenditBaseURL,
		SecretKey:          cfg.XenditSecretKey,
		CallbackToken:      cfg.XenditCallbackToken,
		SuccessRedirectURL: cfg.SuccessRedirectURL,
		Timeout:            cfg.GatewayTimeout,
	})

	// Services
	notifier := service.NewNotificationService(notificationRepo, producer)
	ledger := service.NewLedgerService(tx, userRepo, ledgerRepo, productRepo, grantRepo, redisClient)
	reconciler := service.NewReconciler(tx, paymentRepo, logRepo, userRepo, grantRepo, ledger, notifier, xendit, producer, redisClient,
		service.ReconcilerConfig{StatusTimeout: cfg.GatewayStatusTimeout})
	payments := service.NewPaymentService(tx, paymentRepo, logRepo, productRepo, redisClient, xendit, reconciler,
		service.PaymentServiceConfig{InvoicePrefix: cfg.InvoicePrefix, Expiry: cfg.PaymentTTL})

	// Background workers
	var wg sync.WaitGroup
	consumer := kafka.NewConsumer(cfg.KafkaBrokers, kafka.TopicPaymentReconcile, reconcilerGroupID, reconciler)
	defer consumer.Close()
	sweeper := worker.NewExpirySweeper(reconciler, cfg.ExpirySweepInterval)

	wg.Add(2)
	go func() {
		defer wg.Done()
		consumer.Consume(ctx)
	}()
	go func() {
		defer wg.Done()
		sweeper.Run(ctx)
	}()

	jwtService := auth.NewJWTService(cfg.JWTSecret, redisClient)
	h := handler.NewHandler(payments, reconciler, ledger, notifier)

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.SetupRouter(h, jwtService),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("starting server", "addr", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown failed", "error", err)
	}
	wg.Wait()
	slog.Info("server stopped")
}
