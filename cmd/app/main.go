package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/funnelweb-au/funnelweb/internal/api"
	"github.com/funnelweb-au/funnelweb/internal/crawl"
	"github.com/funnelweb-au/funnelweb/internal/crawler"
	"github.com/funnelweb-au/funnelweb/internal/db"
	"github.com/funnelweb-au/funnelweb/internal/observability"
)

// Config holds the application configuration loaded from environment variables
type Config struct {
	Port                 string // HTTP port to listen on
	Env                  string // Environment (development/production)
	SentryDSN            string // Sentry DSN for error tracking
	LogLevel             string // Log level (debug, info, warn, error)
	ObservabilityEnabled bool   // Toggle Prometheus + OpenTelemetry exporters
	MetricsAddr          string // Address for Prometheus metrics endpoint (":9464" style)
}

func loadConfig() *Config {
	config := &Config{
		Port:                 os.Getenv("PORT"),
		Env:                  os.Getenv("APP_ENV"),
		SentryDSN:            os.Getenv("SENTRY_DSN"),
		LogLevel:             os.Getenv("LOG_LEVEL"),
		ObservabilityEnabled: strings.EqualFold(os.Getenv("OBSERVABILITY_ENABLED"), "true"),
		MetricsAddr:          os.Getenv("METRICS_ADDR"),
	}

	if config.Port == "" {
		config.Port = "8080"
	}
	if config.Env == "" {
		config.Env = "development"
	}
	if config.MetricsAddr == "" {
		config.MetricsAddr = ":9464"
	}

	return config
}

func setupLogging(config *Config) {
	level, err := zerolog.ParseLevel(config.LogLevel)
	if err != nil || config.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if config.Env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

func main() {
	// Load .env files - .env.local takes priority for development
	godotenv.Load(".env.local", ".env")

	config := loadConfig()
	setupLogging(config)

	if config.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         config.SentryDSN,
			Environment: config.Env,
		})
		if err != nil {
			log.Error().Err(err).Msg("Failed to initialise Sentry")
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := db.InitFromEnvWithRetry(rootCtx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer database.Close()

	dbQueue := db.NewDbQueue(database.GetDB())
	defer dbQueue.Stop()

	providers, err := observability.Init(rootCtx, observability.Config{
		Enabled:        config.ObservabilityEnabled,
		ServiceName:    "funnelweb",
		Environment:    config.Env,
		MetricsAddress: config.MetricsAddr,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialise observability, continuing without")
	}
	if providers != nil {
		go serveMetrics(config.MetricsAddr, providers.MetricsHandler)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := providers.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Failed to shut down telemetry providers")
			}
		}()
	}

	fetcher := crawler.New(crawler.DefaultConfig())
	manager := crawl.NewManager(rootCtx, database, dbQueue, fetcher)
	handler := api.NewHandler(manager, database)

	server := &http.Server{
		Addr:         ":" + config.Port,
		Handler:      handler.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		log.Info().Str("port", config.Port).Str("env", config.Env).Msg("Starting funnelweb")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	<-rootCtx.Done()
	log.Info().Msg("Shutdown signal received, draining crawls")

	// Workers observe the cancelled root context at their next pop boundary,
	// then flush batches and write final checkpoints.
	manager.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("Shutdown complete")
}

func serveMetrics(addr string, handler http.Handler) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)

	log.Info().Str("addr", addr).Msg("Serving Prometheus metrics")
	if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("Metrics server failed")
	}
}
