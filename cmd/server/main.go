package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/lexiqai/tts-relay/internal/bus"
	"github.com/lexiqai/tts-relay/internal/config"
	"github.com/lexiqai/tts-relay/internal/dispatch"
	"github.com/lexiqai/tts-relay/internal/journal"
	"github.com/lexiqai/tts-relay/internal/observability"
	"github.com/lexiqai/tts-relay/internal/playback"
	"github.com/lexiqai/tts-relay/internal/resilience"
	"github.com/lexiqai/tts-relay/internal/tts"
)

const journalPruneInterval = time.Hour

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("tts_backend", cfg.TTSBackend).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Bool("bus_enabled", cfg.BusEnabled()).
		Msg("TTS relay starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:      cfg.TracingEnabled,
		OTLPEndpoint: cfg.OTLPEndpoint,
		OTLPInsecure: cfg.OTLPInsecure,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize tracing")
	}

	catalog, err := config.LoadVoiceCatalog(cfg.VoiceCatalogPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load voice catalog")
	}

	synth, err := tts.New(cfg, catalog)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create synthesizer")
	}

	events, err := journal.Open(ctx, journal.Config{
		Path:          cfg.JournalPath,
		RetentionDays: cfg.JournalRetentionDays,
	}, logger.With().Str("component", "journal").Logger())
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open playback journal")
	}
	go events.RunPruner(ctx, journalPruneInterval)

	reporters := []playback.Reporter{events}
	checks := map[string]observability.HealthCheckFunc{
		"journal": events.HealthCheck,
	}
	if hc, ok := synth.(interface{ HealthCheck(context.Context) error }); ok {
		checks["synthesizer"] = hc.HealthCheck
	}

	// Optional command bus
	var (
		embedded *bus.EmbeddedServer
		client   *bus.Client
	)
	if cfg.BusEnabled() {
		busLogger := logger.With().Str("component", "bus").Logger()
		url := cfg.NATSURL
		if cfg.NATSEmbedded {
			embedded, err = bus.StartEmbedded("", cfg.NATSPort, busLogger)
			if err != nil {
				logger.Fatal().Err(err).Msg("Failed to start embedded NATS")
			}
			if url == "" {
				url = embedded.ClientURL()
			}
		}

		client, err = bus.Connect(ctx, bus.Config{
			URL:            url,
			ConnectTimeout: time.Duration(cfg.NATSConnectTimeout) * time.Millisecond,
			Reconnect: &resilience.ReconnectConfig{
				MaxAttempts: cfg.ReconnectMaxAttempts,
				Backoff:     time.Duration(cfg.ReconnectBackoff) * time.Millisecond,
				Multiplier:  2.0,
				MaxBackoff:  30 * time.Second,
			},
		}, busLogger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		reporters = append(reporters, bus.NewEventPublisher(client, cfg.NATSSubject+".events"))
		checks["bus"] = client.HealthCheck
	}

	reporter := playback.Reporters(reporters...)
	factory := func(tenantID string) *playback.Engine {
		engineLogger := logger.With().Str("component", "engine").Logger()
		return playback.NewEngine(tenantID, synth, playback.Options{
			MaxQueue:          cfg.MaxQueue,
			SynthesisTimeout:  cfg.SynthesisTimeoutDuration(),
			SynthesisAttempts: cfg.SynthesisAttempts,
			RetryBackoff:      time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
			Reporter:          reporter,
			Logger:            &engineLogger,
		})
	}

	dispatcher := dispatch.New(factory, logger.With().Str("component", "dispatcher").Logger())
	go dispatcher.Run(ctx)

	if client != nil {
		if _, err := dispatch.SubscribeCommands(client.Conn(), cfg.NATSSubject, dispatcher, logger); err != nil {
			logger.Fatal().Err(err).Msg("Failed to subscribe to command subject")
		}
	}

	// HTTP surface
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", observability.HealthCheckHandler())
	mux.HandleFunc("GET /ready", observability.ReadinessHandler(checks))
	if cfg.MetricsEnabled {
		mux.Handle("GET /metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}
	dispatch.NewHTTPHandler(dispatcher, events, logger.With().Str("component", "http").Logger()).Register(mux)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("port", cfg.Port).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	grpcServer, healthServer := startGRPCHealth(cfg.GRPCPort, logger)

	<-ctx.Done()
	logger.Info().Msg("Shutting down...")

	healthServer.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server forced to shutdown")
	}
	grpcServer.GracefulStop()

	// Run returns once every engine has drained.
	select {
	case <-dispatcher.Done():
	case <-shutdownCtx.Done():
		logger.Warn().Msg("Timed out waiting for engines to drain")
	}

	client.Close()
	embedded.Shutdown()
	if err := events.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close playback journal")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Failed to flush traces")
	}

	logger.Info().Msg("Server exited gracefully")
}

// startGRPCHealth serves the standard gRPC health service for orchestrators
// that probe over gRPC.
func startGRPCHealth(port string, logger zerolog.Logger) (*grpc.Server, *health.Server) {
	srv := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(srv, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	lis, err := net.Listen("tcp", fmt.Sprintf(":%s", port))
	if err != nil {
		logger.Fatal().Err(err).Str("port", port).Msg("Failed to listen for gRPC")
	}

	go func() {
		logger.Info().Str("port", port).Msg("gRPC health server listening")
		if err := srv.Serve(lis); err != nil {
			logger.Error().Err(err).Msg("gRPC server stopped")
		}
	}()
	return srv, healthServer
}
