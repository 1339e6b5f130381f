// Copyright (C) 2025 Verdalis AI (oss@verdalis.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/verdalis-ai/verdalis/services/gateway/completion"
	"github.com/verdalis-ai/verdalis/services/gateway/config"
	"github.com/verdalis-ai/verdalis/services/gateway/datatypes"
	"github.com/verdalis-ai/verdalis/services/gateway/handlers"
	"github.com/verdalis-ai/verdalis/services/gateway/observability"
	"github.com/verdalis-ai/verdalis/services/gateway/retrieval"
	"github.com/verdalis-ai/verdalis/services/gateway/routes"
	"github.com/verdalis-ai/verdalis/services/gateway/store"
	"github.com/verdalis-ai/verdalis/services/llm"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

const shutdownGrace = 10 * time.Second

func initTracer(otelEndpoint string) (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(otelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("verdalis-gateway")))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.
		TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

// buildClients constructs one adapter per configured provider. A backend
// that fails to construct is logged and skipped rather than taking down
// the gateway; completion requests against it get 503 from the handler.
func buildClients(cfg *config.Config) map[datatypes.ProviderKind]llm.Client {
	clients := make(map[datatypes.ProviderKind]llm.Client)

	register := func(kind datatypes.ProviderKind, pc config.ProviderConfig,
		build func(llm.Config) (llm.Client, error)) {
		if !pc.Enabled() {
			slog.Info("Provider not configured, skipping", "provider", kind)
			return
		}
		client, err := build(llm.Config{
			BaseURL:           pc.BaseURL,
			APIKey:            pc.APIKey,
			DefaultModel:      pc.DefaultModel,
			RequestTimeout:    cfg.RequestTimeout,
			StreamIdleTimeout: cfg.StreamIdleTimeout,
		})
		if err != nil {
			slog.Error("Failed to initialize provider client", "provider", kind, "error", err)
			return
		}
		clients[kind] = client
		slog.Info("Provider client initialized", "provider", kind)
	}

	register(datatypes.ProviderOllama, cfg.Ollama, func(c llm.Config) (llm.Client, error) {
		return llm.NewOllamaClient(c)
	})
	register(datatypes.ProviderGemini, cfg.Gemini, func(c llm.Config) (llm.Client, error) {
		return llm.NewGeminiClient(c)
	})
	register(datatypes.ProviderOpenAI, cfg.OpenAI, func(c llm.Config) (llm.Client, error) {
		return llm.NewOpenAIClient(c)
	})
	return clients
}

// requestMetrics records per-request counters and latency after the
// handler chain completes.
func requestMetrics(metrics *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.ObserveRequest(route, c.Writer.Status(), time.Since(start))
	}
}

// rateLimit guards all endpoints with a global token bucket. Streaming
// completions hold connections for a long time; the bucket bounds how
// fast new work can start, not how many streams run.
func rateLimit(limiter *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests,
				gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	cleanup, err := initTracer(cfg.OTLPEndpoint)
	if err != nil {
		log.Fatalf("failed to setup the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())
	defer completion.PurgeSecureMemory()

	sqlStore, err := store.NewSQLiteStore(cfg.SQLitePath)
	if err != nil {
		log.Fatalf("failed to open conversation store: %v", err)
	}
	defer sqlStore.Close()

	clients := buildClients(cfg)
	if len(clients) == 0 {
		log.Fatal("no provider clients configured; set OLLAMA_BASE_URL, GEMINI_API_KEY or OPENAI_API_KEY")
	}

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	// The candidate list always holds at least the well-known defaults;
	// retrieval itself stays opt-in per request via the category scope.
	retriever := retrieval.NewClient(cfg.RetrievalEndpoints,
		retrieval.WithFallbackHook(metrics.CountRetrievalFallback))
	builder := retrieval.NewContextBuilder(cfg.ContextBudget)
	serviceOpts := []completion.ServiceOption{
		completion.WithMetrics(metrics),
		completion.WithRetriever(retriever, builder),
	}
	slog.Info("Context retrieval enabled", "endpoints", len(cfg.RetrievalEndpoints))

	svc := completion.NewService(clients, sqlStore, sqlStore, serviceOpts...)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("verdalis-gateway"))
	router.Use(requestMetrics(metrics))
	router.Use(rateLimit(rate.NewLimiter(rate.Limit(cfg.RateLimitPerSecond), cfg.RateLimitBurst)))

	routes.Register(router,
		handlers.NewChatHandler(svc, metrics),
		handlers.NewHealthHandler(clients))

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Starting the gateway server", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		slog.Info("Shutting down the gateway server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("gateway server failed: %v", err)
	}
	slog.Info("Gateway stopped cleanly")
}
