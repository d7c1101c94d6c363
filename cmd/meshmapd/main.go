package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/meshwatch/meshmap/internal/mapper"
	"github.com/meshwatch/meshmap/internal/mesh"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultMetricsAddr = ":9464"

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	showVersionFlag := flag.Bool("version", false, "show version and exit")
	verboseFlag := flag.Bool("verbose", false, "verbose mode - show debug logs")
	configPathFlag := flag.String("config", "meshmap.yaml", "path to the mapper config file")
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "address to listen on for prometheus metrics")
	flag.Parse()

	if *showVersionFlag {
		fmt.Printf("version: %s, commit: %s, date: %s\n", version, commit, date)
		os.Exit(0)
	}

	log := newLogger(*verboseFlag)

	cfg, err := mapper.LoadConfig(*configPathFlag)
	if err != nil {
		log.Error("failed to load config", "path", *configPathFlag, "error", err)
		return err
	}
	if !cfg.Enabled {
		log.Info("mapper is disabled in config, exiting")
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Frames arrive on stdin and leave on stdout, one JSON object per line,
	// so the daemon can sit inside a gateway pipeline.
	router := mesh.NewPipeRouter(log, os.Stdin, os.Stdout)

	registry := prometheus.NewRegistry()
	m, err := mapper.New(cfg, mapper.Options{
		Logger:   log,
		Router:   router,
		Registry: registry,
	})
	if err != nil {
		log.Error("failed to create mapper", "error", err)
		return err
	}
	router.SetHandler(m)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(m.Status()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	srv := &http.Server{Addr: *metricsAddrFlag, Handler: mux}
	go func() {
		log.Info("metrics server listening", "addr", *metricsAddrFlag)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server failed", "error", err)
		}
	}()

	if err := m.Start(ctx); err != nil {
		log.Error("failed to start mapper", "error", err)
		return err
	}

	routerDone := make(chan error, 1)
	go func() { routerDone <- router.Run(ctx) }()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-routerDone:
		if err != nil {
			log.Error("router read loop failed", "error", err)
		} else {
			log.Info("router input closed")
		}
	}

	m.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("metrics server shutdown failed", "error", err)
	}
	return nil
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.StampMilli,
	}))
}
