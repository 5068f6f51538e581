package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"transactive-network/internal/api"
	"transactive-network/internal/config"
	"transactive-network/internal/data"
	"transactive-network/internal/market"
	"transactive-network/internal/metrics"
	"transactive-network/internal/node"
	"transactive-network/internal/reconcile"
	"transactive-network/internal/util"
)

func main() {
	cfgPath := flag.String("config", "configs/node.yaml", "Path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(2)
	}
	log := util.NewLogger(cfg.Node.LogLevel)

	// Environment overrides config for the API port.
	port := cfg.Node.APIPort
	if v := os.Getenv("API_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			port = p
		}
	}
	if os.Getenv("API_ENV") == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := data.NewStore(cfg.Telemetry.TTL)
	if cfg.Telemetry.File != "" {
		snap, err := data.LoadSnapshotJSON(cfg.Telemetry.File)
		if err != nil {
			log.Fatal().Err(err).Msg("load telemetry snapshot")
		}
		log.Info().Int("readings", store.Apply(snap)).Msg("telemetry seeded")
	}
	go store.Cleanup(ctx, time.Minute)
	if cfg.Telemetry.GatewayURL != "" {
		gw := data.NewGatewayClient(cfg.Telemetry.GatewayURL, os.Getenv(cfg.Telemetry.TokenEnv), log)
		go gw.Poll(ctx, cfg.Node.Name, store, cfg.Telemetry.Poll)
	}

	tr, act, err := node.OpenTransport(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("open transport")
	}
	defer tr.Close()

	var rec market.Reconciler
	if cfg.Node.ReconcileDir != "" {
		rec = reconcile.NewCSVWriter(cfg.Node.ReconcileDir, log)
	}
	n, err := node.FromConfig(cfg, node.Deps{
		Transport:  tr,
		Actuator:   act,
		Telemetry:  store,
		Reconciler: rec,
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("build node")
	}

	metricsSrv := metrics.Serve(cfg.Node.MetricsAddr)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           api.NewRouter(n, store, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := n.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("starting API server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("node stopped")
		os.Exit(1)
	}
	log.Info().Msg("node stopped")
}
