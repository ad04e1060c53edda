/**
 * @description
 * This is the main entry point for the settlement-service. It is responsible for
 * initializing all components of the service, including configuration, database
 * connection, external API clients, message brokers, repositories, the core
 * application service, the reconciliation scheduler, and the HTTP server. It
 * wires everything together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Redis client for the devolution limiter.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/ledgerclient, pkg/pspclient, pkg/rabbitmq: External collaborator clients.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/arvobank/settlement-service/internal/api"
	"github.com/arvobank/settlement-service/internal/app"
	"github.com/arvobank/settlement-service/internal/config"
	"github.com/arvobank/settlement-service/internal/store"
	"github.com/arvobank/settlement-service/pkg/ledgerclient"
	"github.com/arvobank/settlement-service/pkg/pspclient"
	rmrabbit "github.com/arvobank/settlement-service/pkg/rabbitmq"
)

// networkEventsExchange carries the inbound events from the PSP adapter,
// the compliance service and the counterparty network.
const networkEventsExchange = "psp.events"

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}

	log.Printf("level=info component=bootstrap msg=\"starting settlement-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Initialize the RabbitMQ producer for the outbound lifecycle events.
	var producer rmrabbit.Publisher
	if eventProducer, prodErr := rmrabbit.NewEventProducer(cfg.RabbitMQURL); prodErr != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", prodErr)
		producer = &rmrabbit.EventProducerFallback{}
	} else {
		defer eventProducer.Close()
		producer = eventProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Initialize the external collaborator clients.
	ledgerClient := ledgerclient.NewClient(cfg.LedgerAPIBaseURL, cfg.LedgerAPIKey)
	pspClient := pspclient.NewClient(cfg.PSPAPIBaseURL, cfg.PSPAPIKey)

	// Redis backs the devolution rate limiter; the service degrades to
	// unlimited when it is unavailable.
	var redisClient *redis.Client
	if cfg.DevolutionRateLimitPerMinute > 0 {
		if strings.TrimSpace(cfg.RedisURL) == "" {
			log.Println("level=warn component=bootstrap msg=\"redis url missing; devolution rate limiting disabled\" env=REDIS_URL")
		} else {
			redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
			if parseErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; devolution rate limiting disabled\" err=%v", parseErr)
			} else {
				redisClient = redis.NewClient(redisOptions)
				pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelPing()
				if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
					log.Printf("level=warn component=bootstrap msg=\"redis ping failed; devolution rate limiting disabled\" err=%v", pingErr)
					redisClient.Close()
					redisClient = nil
				} else {
					defer redisClient.Close()
					log.Println("level=info component=bootstrap msg=\"redis connected\"")
				}
			}
		}
	}

	var limiter app.DevolutionLimiter
	if redisClient != nil {
		limiter = app.NewRedisDevolutionLimiter(redisClient, cfg.RedisRateLimitPrefix, cfg.DevolutionRateLimitPerMinute, time.Minute)
	}

	// Ensure required tables exist (idempotent)
	if _, err := dbpool.Exec(context.Background(), `
        CREATE TABLE IF NOT EXISTS transactions (
            id UUID PRIMARY KEY,
            kind TEXT NOT NULL,
            external_ref TEXT,
            end_to_end_id TEXT,
            state TEXT NOT NULL,
            amount BIGINT NOT NULL,
            origin_bank_ispb TEXT NOT NULL DEFAULT '',
            origin_branch TEXT NOT NULL DEFAULT '',
            origin_account_number TEXT NOT NULL DEFAULT '',
            origin_document TEXT NOT NULL DEFAULT '',
            origin_name TEXT NOT NULL DEFAULT '',
            dest_bank_ispb TEXT NOT NULL DEFAULT '',
            dest_branch TEXT NOT NULL DEFAULT '',
            dest_account_number TEXT NOT NULL DEFAULT '',
            dest_document TEXT NOT NULL DEFAULT '',
            dest_name TEXT NOT NULL DEFAULT '',
            ledger_operation_id TEXT,
            original_id UUID REFERENCES transactions(id),
            chargeback_reason TEXT,
            failure_code TEXT,
            failure_message TEXT,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            forwarded_at TIMESTAMPTZ,
            confirmed_at TIMESTAMPTZ,
            failed_at TIMESTAMPTZ,
            updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );
        CREATE UNIQUE INDEX IF NOT EXISTS transactions_end_to_end_id_original
            ON transactions (end_to_end_id) WHERE original_id IS NULL;
        CREATE UNIQUE INDEX IF NOT EXISTS transactions_external_ref
            ON transactions (external_ref) WHERE external_ref IS NOT NULL;
        CREATE INDEX IF NOT EXISTS transactions_state_kind ON transactions (state, kind);
        CREATE INDEX IF NOT EXISTS transactions_original_id ON transactions (original_id)
            WHERE original_id IS NOT NULL;
        CREATE TABLE IF NOT EXISTS dispute_cases (
            id UUID PRIMARY KEY,
            kind TEXT NOT NULL,
            issue_id TEXT,
            end_to_end_id TEXT NOT NULL,
            state TEXT NOT NULL,
            reason TEXT NOT NULL DEFAULT '',
            analysis_result TEXT,
            closed_at TIMESTAMPTZ,
            canceled_at TIMESTAMPTZ,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );
        CREATE UNIQUE INDEX IF NOT EXISTS dispute_cases_kind_issue
            ON dispute_cases (kind, issue_id) WHERE issue_id IS NOT NULL;
    `); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"failed ensuring tables (may already exist)\" err=%v", err)
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	screener := app.NewPolicyScreener(cfg.SuspectISPBList(), cfg.CautionaryHoldThresholdCent)

	// Initialize the core application service with its dependencies.
	settlementService := app.NewService(
		repository,
		ledgerClient,
		pspClient,
		screener,
		app.NewAMQPEmitter(producer),
		limiter,
		app.Policy{
			PaymentCeiling:    cfg.PaymentCeilingCentavos,
			DevolutionCeiling: cfg.DevolutionCeilingCentavos,
			DevolutionMax:     cfg.DevolutionMaxCount,
			DevolutionWindow:  time.Duration(cfg.DevolutionWindowDays) * 24 * time.Hour,
			BlockedMaxHold:    time.Duration(cfg.BlockedDepositMaxHoldHours) * time.Hour,
			SweepMinAge:       time.Duration(cfg.SweepMinAgeSeconds) * time.Second,
			SweepBatchSize:    cfg.SweepBatchSize,
		},
	)

	// Wire up the event consumer against the network events exchange.
	eventConsumer := app.NewSettlementEventConsumer(settlementService)
	rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"rabbitmq consumer init failed\" err=%v", err)
	}
	defer rabbitConsumer.Close()

	if err := rabbitConsumer.ConsumeWithBindings(networkEventsExchange, cfg.SettlementEventQueue, eventConsumer.Bindings()); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"settlement consumer start failed\" err=%v", err)
	}
	log.Println("level=info component=bootstrap msg=\"settlement consumer started\"")

	// Start the reconciliation scheduler.
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	scheduler := app.NewScheduler(settlementService, logger, cfg.SyncWaitingSchedule, cfg.BlockedDepositSchedule)
	scheduler.Start()

	// Initialize the API handlers and start the HTTP server.
	handlers := api.NewSettlementHandlers(settlementService)
	router := api.SettlementRoutes(handlers, cfg.InternalAPIKey)

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	schedulerCtx := scheduler.Stop()
	<-schedulerCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
