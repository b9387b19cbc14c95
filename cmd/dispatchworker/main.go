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

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/shopfront-labs/fulfillment/internal/carriers"
	"github.com/shopfront-labs/fulfillment/internal/messaging"
	"github.com/shopfront-labs/fulfillment/internal/telemetry"
	"github.com/shopfront-labs/fulfillment/internal/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	shutdownTracer, err := telemetry.InitTracerProvider(context.Background(), "dispatch-worker", "0.1.0")
	if err != nil {
		logger.Error("failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	kafkaBrokers := os.Getenv("KAFKA_BROKERS")
	if kafkaBrokers == "" {
		logger.Error("KAFKA_BROKERS environment variable is required")
		os.Exit(1)
	}

	fulfillmentURL := os.Getenv("FULFILLMENT_SERVICE_URL")
	if fulfillmentURL == "" {
		logger.Error("FULFILLMENT_SERVICE_URL environment variable is required")
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

	brokers := strings.Split(kafkaBrokers, ",")
	consumer := messaging.NewConsumer(brokers, messaging.TopicDispatchRequested, "dispatch-worker")
	defer func() { _ = consumer.Close() }()

	httpClient := &http.Client{
		Timeout:   30 * time.Second,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	dispatchHandler := worker.NewDispatchHandler(registry, fulfillmentURL, httpClient, 15*time.Second, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		<-stop
		logger.Info("shutting down")
		cancel()
	}()

	logger.Info("starting dispatch worker", "brokers", brokers)

	if err := consumer.Consume(ctx, dispatchHandler.Handle); err != nil {
		if ctx.Err() == context.Canceled {
			logger.Info("consumer stopped")
			return
		}
		logger.Error("consumer error", "error", err)
		os.Exit(1)
	}
}
