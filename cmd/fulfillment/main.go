package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/contrib/instrumentation/runtime"

	"github.com/shopfront-labs/fulfillment/internal/cache"
	"github.com/shopfront-labs/fulfillment/internal/carriers"
	"github.com/shopfront-labs/fulfillment/internal/dispatch"
	"github.com/shopfront-labs/fulfillment/internal/messaging"
	"github.com/shopfront-labs/fulfillment/internal/orders"
	"github.com/shopfront-labs/fulfillment/internal/reconcile"
	"github.com/shopfront-labs/fulfillment/internal/telemetry"
	"github.com/shopfront-labs/fulfillment/internal/transition"
)

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	shutdownTracer, err := telemetry.InitTracerProvider(ctx, "fulfillment", "0.1.0")
	if err != nil {
		logger.Error("failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracer(ctx) }()

	metricsHandler, shutdownMeter, err := telemetry.InitMeterProvider("fulfillment", "0.1.0")
	if err != nil {
		logger.Error("failed to initialize meter", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownMeter(ctx) }()

	if err := runtime.Start(runtime.WithMinimumReadMemStatsInterval(15 * time.Second)); err != nil {
		logger.Error("failed to start runtime metrics", "error", err)
		os.Exit(1)
	}

	postgresURL := os.Getenv("POSTGRES_URL")
	if postgresURL == "" {
		logger.Error("POSTGRES_URL environment variable is required")
		os.Exit(1)
	}

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

	carriersFile := os.Getenv("CARRIERS_FILE")
	if carriersFile == "" {
		logger.Error("CARRIERS_FILE environment variable is required")
		os.Exit(1)
	}

	registry, err := carriers.NewRegistryFromFile(carriersFile)
	if err != nil {
		logger.Error("failed to load carrier registry", "error", err, "file", carriersFile)
		os.Exit(1)
	}

	if gatewaysFile := os.Getenv("GATEWAYS_FILE"); gatewaysFile != "" {
		if err := registry.SeedGatewaysFromFile(gatewaysFile); err != nil {
			logger.Error("failed to load payment gateways", "error", err, "file", gatewaysFile)
			os.Exit(1)
		}
	}

	var recOpts []reconcile.Option
	var dispatchOpts []dispatch.Option
	kafkaBrokers := os.Getenv("KAFKA_BROKERS")
	if kafkaBrokers != "" {
		brokers := strings.Split(kafkaBrokers, ",")

		requested := messaging.NewProducer(brokers, messaging.TopicDispatchRequested)
		defer func() { _ = requested.Close() }()
		dispatchOpts = append(dispatchOpts, dispatch.WithProducer(requested))

		resolved := messaging.NewProducer(brokers, messaging.TopicDispatchResolved)
		defer func() { _ = resolved.Close() }()
		dispatchOpts = append(dispatchOpts, dispatch.WithResolvedProducer(resolved))

		statusChanged := messaging.NewProducer(brokers, messaging.TopicStatusChanged)
		defer func() { _ = statusChanged.Close() }()
		recOpts = append(recOpts, reconcile.WithEvents(statusChanged))
	}

	repo := orders.NewRepository(db)
	orderCache := cache.NewOrderCache(5 * time.Minute)
	reconciler := reconcile.New(repo, orderCache, transition.NewWorkflow(nil), transition.NewPayment(), logger, recOpts...)
	coordinator := dispatch.NewCoordinator(registry, reconciler, logger, dispatchOpts...)
	handler := orders.NewHandler(repo, reconciler, coordinator, registry, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /orders", telemetry.WithHTTPRoute(handler.HandleList))
	mux.HandleFunc("GET /orders/{id}", telemetry.WithHTTPRoute(handler.HandleGet))
	mux.HandleFunc("PATCH /orders/{id}/workflow-status", telemetry.WithHTTPRoute(handler.HandleWorkflowStatus))
	mux.HandleFunc("PATCH /orders/{id}/payment-status", telemetry.WithHTTPRoute(handler.HandlePaymentStatus))
	mux.HandleFunc("PUT /orders/{id}/courier/manual", telemetry.WithHTTPRoute(handler.HandleAssignManual))
	mux.HandleFunc("POST /orders/{id}/courier/dispatch", telemetry.WithHTTPRoute(handler.HandleRequestDispatch))
	mux.HandleFunc("POST /orders/{id}/courier/retry", telemetry.WithHTTPRoute(handler.HandleRetryDispatch))
	mux.HandleFunc("DELETE /orders/{id}/courier", telemetry.WithHTTPRoute(handler.HandleClearAssignment))
	mux.HandleFunc("POST /internal/dispatch/resolve", telemetry.WithHTTPRoute(handler.HandleResolveDispatch))
	mux.HandleFunc("GET /carriers", telemetry.WithHTTPRoute(handler.HandleListCarriers))
	mux.HandleFunc("GET /carriers/connected", telemetry.WithHTTPRoute(handler.HandleListConnectedCarriers))
	mux.HandleFunc("GET /payment-gateways", telemetry.WithHTTPRoute(handler.HandleListGateways))
	mux.Handle("GET /metrics", metricsHandler)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	server := &http.Server{
		Addr: ":" + port,
		Handler: otelhttp.NewHandler(mux, "fulfillment",
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				if r.Pattern != "" {
					return r.Pattern
				}
				return r.Method + " " + r.URL.Path
			}),
		),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting fulfillment service", "port", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}
