/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the meter tracking server. Handles configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env (development convenience) and METER_* environment variables
  2. Initialize SQLite store
  3. Build auth and meter services, optional MQTT publisher, reconciler
  4. Configure HTTP router
  5. Start server with graceful shutdown

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Disconnect the MQTT publisher, close the database
  4. Exit

ENVIRONMENT:
  METER_PORT            HTTP port (default 8080)
  METER_DB_PATH         SQLite path, ":memory:" for ephemeral (default meter.db)
  METER_JWT_SECRET      Token signing secret (required)
  METER_MQTT_ENABLED    Publish accepted readings to MQTT (default false)

SEE ALSO:
  - config/config.go: Full variable list
  - api/server.go:    Router configuration
*/
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/wattwise/meter-engine/api"
	"github.com/wattwise/meter-engine/auth"
	"github.com/wattwise/meter-engine/config"
	"github.com/wattwise/meter-engine/meter"
	"github.com/wattwise/meter-engine/offline"
	"github.com/wattwise/meter-engine/publisher"
	"github.com/wattwise/meter-engine/store/sqlite"
)

func main() {
	// Missing .env is fine; deployed environments set real variables.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg)

	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer store.Close()

	authSvc := auth.NewService(store, store, cfg.JWTSecret, cfg.TokenTTL())
	meterSvc := meter.NewService(store, log)

	if cfg.MQTTEnabled {
		pub, err := publisher.New(publisher.Config{
			Broker:      cfg.MQTTBroker,
			ClientID:    cfg.MQTTClientID,
			TopicPrefix: cfg.MQTTTopicPrefix,
			Username:    cfg.MQTTUsername,
			Password:    cfg.MQTTPassword,
		}, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect MQTT publisher")
		}
		defer pub.Close()
		meterSvc.WithPublisher(pub)
	}

	reconciler := offline.NewReconciler(meterSvc, log)
	handlers := api.NewHandlers(meterSvc, authSvc, reconciler, log)
	router := api.NewRouter(handlers, cfg.CORSOrigins, log)

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Str("db", cfg.DBPath).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("forced shutdown")
	}
	log.Info().Msg("server stopped")
}

func newLogger(cfg config.Config) zerolog.Logger {
	if cfg.IsProduction() {
		return zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}).
		With().Timestamp().Logger()
}
