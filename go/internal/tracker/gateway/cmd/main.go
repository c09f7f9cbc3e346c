package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mcdev12/autotracker/go/internal/tracker/catalog"
	"github.com/mcdev12/autotracker/go/internal/tracker/gateway"
	"github.com/mcdev12/autotracker/go/internal/trackerconfig"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("could not load .env file")
	}

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := trackerconfig.NewConfigFromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	zerolog.SetGlobalLevel(cfg.LogLevel)

	items := catalog.Default()
	if cfg.CatalogFile != "" {
		items, err = catalog.LoadFile(cfg.CatalogFile)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load catalog")
		}
	}

	log.Info().
		Str("addr", cfg.Addr()).
		Strs("items", items.Names()).
		Dur("tick_interval", cfg.TickInterval).
		Msg("starting tracker feed")

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := gateway.NewPrometheusMetrics(registry)

	// Optional NATS mirror
	var mirror gateway.SnapshotMirror
	if cfg.NATSURL != "" {
		mirrorConfig := gateway.DefaultNATSMirrorConfig()
		mirrorConfig.URL = cfg.NATSURL
		mirrorConfig.SubjectPrefix = cfg.NATSSubject
		natsMirror, err := gateway.NewNATSMirror(mirrorConfig)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create snapshot mirror")
		}
		mirror = natsMirror
	}

	gatewayConfig := gateway.DefaultConfig()
	gatewayConfig.Catalog = items
	gatewayConfig.SessionConfig.TickInterval = cfg.TickInterval
	gatewayConfig.SessionConfig.MaxConsecutiveFailures = cfg.MaxConsecutiveFailures
	gatewayConfig.ConnectionConfig.WriteTimeout = cfg.WriteTimeout
	gatewayConfig.ConnectionConfig.CheckOrigin = gateway.OriginChecker(cfg.AllowedOrigins)

	feedService, err := gateway.NewService(gatewayConfig, metrics, mirror)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create feed service")
	}

	// Setup HTTP server
	mux := http.NewServeMux()
	feedService.RegisterRoutes(mux)

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			log.Error().Err(err).Msg("failed to write health check response")
		}
	})
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	c := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodHead, http.MethodGet},
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedHeaders: []string{"*"},
	})

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           h2c.NewHandler(c.Handler(mux), &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serviceDone := make(chan error, 1)
	go func() {
		serviceDone <- feedService.Start(ctx)
	}()

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Hijacked websocket connections are not tracked by Shutdown; the service closes them.
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	if err := <-serviceDone; err != nil {
		log.Error().Err(err).Msg("feed service shutdown incomplete")
	}

	log.Info().Msg("tracker feed shutdown complete")
}
