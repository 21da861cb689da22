// Command rhizome-node runs one participant in the popularity-weighted
// content overlay: it loads configuration, starts the DHT, and serves
// /metrics and /healthz until terminated.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vazonhub/rhizome/internal/config"
	"github.com/vazonhub/rhizome/internal/node"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file (optional, defaults are used if absent)")
	metricsAddr := flag.String("metrics-addr", ":9468", "listen address for the /metrics and /healthz HTTP endpoints")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	n, err := node.New(cfg, logger)
	if err != nil {
		logger.Error("failed to construct node", "error", err)
		os.Exit(1)
	}

	if err := n.Start(context.Background()); err != nil {
		logger.Error("failed to start node", "error", err)
		os.Exit(1)
	}
	logger.Info("node running", "node_id", n.LocalID().String())

	mux := http.NewServeMux()
	mux.Handle("/metrics", n.Metrics().Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		body, err := n.StateJSON()
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	})
	srv := &http.Server{Addr: *metricsAddr, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown error", "error", err)
	}

	if err := n.Stop(); err != nil {
		logger.Error("node stop error", "error", err)
		os.Exit(1)
	}
}

func parseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}
