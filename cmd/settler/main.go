package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/contrib/instrumentation/runtime"

	"github.com/stablemint/settler/internal/chain"
	"github.com/stablemint/settler/internal/ledger"
	"github.com/stablemint/settler/internal/lock"
	"github.com/stablemint/settler/internal/messaging"
	"github.com/stablemint/settler/internal/processor"
	"github.com/stablemint/settler/internal/settlement"
	"github.com/stablemint/settler/internal/telemetry"
	"github.com/stablemint/settler/internal/verifier"
)

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	shutdownTracer, err := telemetry.InitTracerProvider(ctx, "settler", "0.1.0")
	if err != nil {
		logger.Error("failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracer(ctx) }()

	metricsHandler, shutdownMeter, err := telemetry.InitMeterProvider("settler", "0.1.0")
	if err != nil {
		logger.Error("failed to initialize meter", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownMeter(ctx) }()

	if err := runtime.Start(); err != nil {
		logger.Error("failed to start runtime metrics", "error", err)
		os.Exit(1)
	}

	rpcURL := requireEnv(logger, "RPC_URL")
	tokenAddress := requireEnv(logger, "TOKEN_CONTRACT")
	authority := requireEnv(logger, "MINT_AUTHORITY")
	treasury := requireEnv(logger, "TREASURY_ADDRESS")
	processorURL := requireEnv(logger, "PROCESSOR_URL")
	processorKey := requireEnv(logger, "PROCESSOR_API_KEY")
	webhookSecret := requireEnv(logger, "PROCESSOR_WEBHOOK_SECRET")

	tokenDecimals := int32(6)
	if v := os.Getenv("TOKEN_DECIMALS"); v != "" {
		d, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			logger.Error("invalid TOKEN_DECIMALS", "value", v)
			os.Exit(1)
		}
		tokenDecimals = int32(d)
	}

	var store ledger.Store
	var purchases ledger.PurchaseStore
	if postgresURL := os.Getenv("POSTGRES_URL"); postgresURL != "" {
		db, err := telemetry.OpenDB("postgres", postgresURL)
		if err != nil {
			logger.Error("failed to open database", "error", err)
			os.Exit(1)
		}
		defer func() { _ = db.Close() }()

		if err := db.Ping(); err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}

		pg := ledger.NewPostgresStore(db)
		store, purchases = pg, pg
	} else {
		logger.Warn("POSTGRES_URL not set, using in-memory ledger")
		mem := ledger.NewMemStore()
		store, purchases = mem, mem
	}

	var locks lock.Locker
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			logger.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		client := redis.NewClient(opts)
		defer func() { _ = client.Close() }()
		locks = lock.NewRedisLocker(client)
	} else {
		logger.Warn("REDIS_URL not set, settlement locks are process-local")
		locks = lock.NewLocalLocker()
	}

	httpClient := &http.Client{
		Timeout:   30 * time.Second,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	gateway := chain.NewGateway(chain.Config{
		RPCURL:        rpcURL,
		TokenAddress:  tokenAddress,
		Authority:     authority,
		TokenDecimals: tokenDecimals,
		HTTPClient:    httpClient,
		Logger:        logger,
	})

	var producer settlement.Publisher
	if kafkaBrokers := os.Getenv("KAFKA_BROKERS"); kafkaBrokers != "" {
		p := messaging.NewProducer(strings.Split(kafkaBrokers, ","), messaging.TopicSettlementCompleted)
		defer func() { _ = p.Close() }()
		producer = p
	}

	payments := processor.NewClient(processorURL, processorKey, httpClient)

	coordinator, err := settlement.NewCoordinator(store, gateway, locks, payments, producer, logger)
	if err != nil {
		logger.Error("failed to create coordinator", "error", err)
		os.Exit(1)
	}

	events := processor.NewWebhookVerifier(webhookSecret)
	settlementHandler := settlement.NewHandler(store, coordinator, events, gateway, logger)

	transfers := verifier.NewTransferVerifier(gateway, tokenAddress, tokenDecimals)
	transferHandler := verifier.NewHandler(transfers, purchases, treasury, logger)

	mux := newMux(settlementHandler, transferHandler, metricsHandler)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	server := &http.Server{
		Addr: ":" + port,
		Handler: otelhttp.NewHandler(mux, "settler",
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				if r.Pattern != "" {
					return r.Pattern
				}
				return r.Method + " " + r.URL.Path
			}),
		),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("starting settler service", "port", port, "token", tokenAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}

func newMux(settlementHandler *settlement.Handler, transferHandler *verifier.Handler, metricsHandler http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /orders", telemetry.WithHTTPRoute(settlementHandler.HandleCreateOrder))
	mux.HandleFunc("GET /orders/{orderId}", telemetry.WithHTTPRoute(settlementHandler.HandleGetOrder))
	mux.HandleFunc("POST /claim", telemetry.WithHTTPRoute(settlementHandler.HandleClaim))
	mux.HandleFunc("POST /webhook", telemetry.WithHTTPRoute(settlementHandler.HandleWebhook))
	mux.HandleFunc("GET /verify-minting", telemetry.WithHTTPRoute(settlementHandler.HandleVerifyMinting))
	mux.HandleFunc("GET /balance/{address}", telemetry.WithHTTPRoute(settlementHandler.HandleBalance))
	mux.HandleFunc("POST /verify-transfer", telemetry.WithHTTPRoute(transferHandler.HandleVerifyTransfer))
	mux.HandleFunc("POST /purchases", telemetry.WithHTTPRoute(transferHandler.HandleCreatePurchase))
	mux.HandleFunc("POST /purchases/{purchaseId}/execute", telemetry.WithHTTPRoute(transferHandler.HandleExecutePurchase))
	mux.Handle("GET /metrics", metricsHandler)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func requireEnv(logger *slog.Logger, key string) string {
	v := os.Getenv(key)
	if v == "" {
		logger.Error(key + " environment variable is required")
		os.Exit(1)
	}
	return v
}
