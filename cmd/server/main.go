// Command server wires config (viper), logging (zerolog), the
// Postgres-backed ledger store, the per-market matching/minting engine
// manager, the WebSocket push hub, and the HTTP API, then listens.
package main

import (
	"context"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"prediction-exchange/internal/api"
	"prediction-exchange/internal/config"
	"prediction-exchange/internal/db"
	"prediction-exchange/internal/engine"
	"prediction-exchange/internal/metrics"
	"prediction-exchange/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.LogLevel == "debug" {
		logger = logger.Level(zerolog.DebugLevel)
	} else {
		logger = logger.Level(zerolog.InfoLevel)
	}
	log.Logger = logger

	store, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("db open failed")
	}
	log.Info().Msg("connected to database")

	if err := store.Migrate(cfg.MigrationsDir); err != nil {
		log.Fatal().Err(err).Msg("migrations failed")
	}
	log.Info().Msg("migrations applied")

	reg := prometheus.NewRegistry()
	mc := metrics.New(reg)

	var mgr *engine.Manager
	hub := ws.NewHub(func(marketID string) (any, bool) {
		if mgr == nil {
			return nil, false
		}
		return mgr.Snapshot(marketID)
	})
	mgr = engine.NewManager(store, hub.Publish, mc)

	if err := mgr.Boot(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("engine boot failed")
	}

	srv := api.NewServer(store, mgr, hub, cfg.JWTSecret)

	mux := http.NewServeMux()
	mux.Handle("/", srv.Router())
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	addr := ":" + cfg.Port
	log.Info().Str("addr", addr).Msg("listening")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}
