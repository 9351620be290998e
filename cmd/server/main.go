/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the care scheduling server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment, then flags)
  2. Build the root logger
  3. Open the SQLite store
  4. Connect the notifier (MQTT when configured, log otherwise)
  5. Wire ledger, generator, and visit machine
  6. Start the verification sweeper and HTTP server

COMMAND-LINE FLAGS (override environment):
  -port    HTTP server port (PORT, default 8080)
  -db      SQLite database path (DB_PATH, default care.db)
           Use ":memory:" for an in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the sweeper, disconnect MQTT, close the database

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/care-scheduler/api"
	"github.com/warp/care-scheduler/config"
	"github.com/warp/care-scheduler/notify"
	"github.com/warp/care-scheduler/scheduling"
	"github.com/warp/care-scheduler/store/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	port := flag.Int("port", cfg.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.DBPath, "SQLite database path")
	flag.Parse()
	cfg.Port, cfg.DBPath = *port, *dbPath

	log := cfg.Logger()
	zerolog.DefaultContextLogger = &log

	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("db", cfg.DBPath).Msg("failed to initialize database")
	}
	defer store.Close()

	var notifier scheduling.Notifier = notify.NewLog(log)
	if cfg.MQTTBrokerURL != "" {
		mq, err := notify.DialMQTT(cfg.MQTTBrokerURL, cfg.MQTTClientID, cfg.MQTTTopicPrefix, log)
		if err != nil {
			log.Fatal().Err(err).Str("broker", cfg.MQTTBrokerURL).Msg("failed to connect notifier")
		}
		defer mq.Close()
		notifier = mq
	}

	ledger := scheduling.NewLedger(store)
	ledger.Logger = log.With().Str("component", "ledger").Logger()

	gen := scheduling.NewGenerator(store, ledger)
	gen.Units = cfg.Units
	gen.Location = cfg.Location
	gen.Notifier = notifier
	gen.Logger = log.With().Str("component", "generator").Logger()

	machine := scheduling.NewMachine(store, ledger)
	machine.Units = cfg.Units
	machine.Location = cfg.Location
	machine.Notifier = notifier
	machine.Logger = log.With().Str("component", "visits").Logger()

	handler := api.NewHandler(store, ledger, gen, machine)
	handler.MaxGenerationDays = cfg.MaxGenerationDays
	handler.Location = cfg.Location

	sweeper := api.NewVerificationSweeper(machine, store, log)
	sweeper.Location = cfg.Location
	sweeper.Start()
	defer sweeper.Stop()

	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         log,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Int("port", cfg.Port).Str("db", cfg.DBPath).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	log.Info().Msg("server stopped")
}
