/**
 * @description
 * This is the main entry point for the payments-service. It is responsible for
 * initializing all components of the service, including configuration, database connection,
 * the Daraja API client, the message broker, repositories, the core application service,
 * and the HTTP server. It wires everything together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/darajaclient: Client for the Daraja (M-Pesa) API.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/nyumbani/payments-service/internal/api"
	"github.com/nyumbani/payments-service/internal/app"
	"github.com/nyumbani/payments-service/internal/config"
	"github.com/nyumbani/payments-service/internal/store"
	"github.com/nyumbani/payments-service/pkg/darajaclient"
	nyrabbit "github.com/nyumbani/payments-service/pkg/rabbitmq"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if err := cfg.ValidateProviderCredentials(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"provider credentials incomplete\" err=%v", err)
	}

	log.Printf("level=info component=bootstrap msg=\"starting payments-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
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

	// Initialize the RabbitMQ producer to publish payment status events.
	// The service only publishes; a broker outage degrades to logged no-ops.
	var eventProducer nyrabbit.Publisher
	rabbitProducer, err := nyrabbit.NewEventProducer(cfg.RabbitMQURL, cfg.PaymentEventExchange)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		eventProducer = &nyrabbit.EventProducerFallback{}
	} else {
		defer rabbitProducer.Close()
		eventProducer = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Initialize the client for the Daraja API.
	darajaClient := darajaclient.NewClient(darajaclient.Config{
		BaseURL:        cfg.DarajaBaseURL,
		ConsumerKey:    cfg.DarajaConsumerKey,
		ConsumerSecret: cfg.DarajaConsumerSecret,
		Shortcode:      cfg.DarajaShortcode,
		Passkey:        cfg.DarajaPasskey,
		CallbackURL:    cfg.DarajaCallbackURL,
		Timeout:        time.Duration(cfg.DarajaTimeoutSeconds) * time.Second,
		TokenTTL:       time.Duration(cfg.DarajaTokenTTLSeconds) * time.Second,
	})

	// Redis backs the per-handset push throttle; missing redis disables it.
	var redisClient *redis.Client
	if cfg.STKPushRateLimitPerMinute > 0 {
		if strings.TrimSpace(cfg.RedisURL) == "" {
			log.Println("level=warn component=bootstrap msg=\"redis url missing; stk push rate limiting disabled\" env=REDIS_URL")
		} else {
			redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
			if parseErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; stk push rate limiting disabled\" err=%v", parseErr)
			} else {
				redisClient = redis.NewClient(redisOptions)
				pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelPing()
				if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
					log.Printf("level=warn component=bootstrap msg=\"redis ping failed; stk push rate limiting disabled\" err=%v", pingErr)
					redisClient.Close()
					redisClient = nil
				} else {
					defer redisClient.Close()
					log.Println("level=info component=bootstrap msg=\"redis connected\"")
				}
			}
		}
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Initialize the core application service with its dependencies.
	paymentService := app.NewService(repository, darajaClient, eventProducer)
	if redisClient != nil {
		paymentService.SetRateLimiter(
			app.NewRedisRateLimiter(redisClient, cfg.RedisRateLimitPrefix),
			cfg.STKPushRateLimitPerMinute,
		)
	}

	// Start the background sweep that writes off initiated payments whose
	// callback never arrived.
	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()
	paymentService.StartAbandonSweeper(
		sweepCtx,
		time.Duration(cfg.PaymentAbandonAfterMinutes)*time.Minute,
		time.Duration(cfg.PaymentSweepIntervalMinutes)*time.Minute,
	)

	// Initialize the API handlers.
	paymentHandlers := api.NewPaymentHandlers(paymentService)

	// Set up the HTTP router and define the API routes. The bare /stkpush and
	// /callback paths are kept for clients registered against the original
	// flat routes.
	router := chi.NewRouter()
	router.Mount("/payments", api.PaymentRoutes(paymentHandlers, cfg.InternalAPIKey))
	router.Post("/stkpush", paymentHandlers.STKPushHandler)
	router.Post("/callback", paymentHandlers.CallbackHandler)

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

	stopSweeper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
