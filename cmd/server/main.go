package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/resonance/transcribe-relay/internal/config"
	"github.com/resonance/transcribe-relay/internal/observability"
	"github.com/resonance/transcribe-relay/internal/relay"
	"github.com/resonance/transcribe-relay/internal/transcription"
)

func main() {
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
		Str("path", cfg.TranscribePath).
		Str("model", cfg.GeminiModel).
		Int("min_chunk_bytes", cfg.MinChunkBytes).
		Int("max_inflight_chunks", cfg.MaxInFlightChunks).
		Dur("backend_timeout", cfg.BackendTimeout()).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Transcription relay starting")

	// A bad key is not fatal: the service stays up and every chunk fails at the backend.
	if err := cfg.CheckAPIKey(); err != nil {
		logger.Error().
			Err(err).
			Bool("critical", true).
			Msg("Gemini API key is missing or invalid; all transcriptions will fail")
	} else {
		logger.Info().Str("api_key", cfg.MaskedAPIKey()).Msg("Gemini API key loaded")
	}

	gemini := transcription.NewGeminiClient(cfg, logger)
	sessions := relay.NewRegistry()

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.TranscribePath, relay.HandleTranscribeWS(cfg, gemini, sessions))
	mux.HandleFunc("/health", observability.HealthCheckHandler())
	mux.HandleFunc("/ready", observability.ReadinessHandler(map[string]observability.HealthCheckFunc{
		"gemini": gemini.Ready,
	}))

	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// No read/write timeouts: websocket sessions are long-lived and manage their own deadlines.
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s%s", cfg.Port, cfg.TranscribePath)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Int("active_sessions", sessions.Count()).Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Shutdown stops accepting; hijacked websocket sessions are closed separately.
	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}
	sessions.CloseAll()
	if err := sessions.Wait(ctx); err != nil {
		logger.Warn().Err(err).Int("active_sessions", sessions.Count()).Msg("Sessions did not finish before shutdown deadline")
	}

	logger.Info().Msg("Server exited gracefully")
}
