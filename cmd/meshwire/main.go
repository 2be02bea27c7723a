// Package main is the entry point for the meshwire binary.
// It provides a CLI for running a TLS transport node.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	tlstransport "github.com/meshwire/meshwire/internal/tls"
	"github.com/meshwire/meshwire/pkg/config"
	"github.com/meshwire/meshwire/pkg/logging"
	"github.com/meshwire/meshwire/pkg/registry"
	"github.com/meshwire/meshwire/pkg/telemetry"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "meshwire",
		Short: "mTLS request/response transport node",
		Long: `meshwire runs a transport node that terminates TLS per connection,
buffers each HTTP/1.1 request and hands it to the configured route
dispatcher. Peer services are resolved through a static registry.

Example:
  meshwire serve --config /etc/meshwire/meshwire.yaml`,
	}

	rootCmd.AddCommand(newServeCmd())
	return rootCmd
}

func newServeCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start a transport node",
		RunE:  runServe,
	}

	serveCmd.Flags().StringP("config", "c", "", "Path to configuration file (YAML)")
	return serveCmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return fmt.Errorf("failed to get config flag: %w", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(logging.ParseLevel(cfg.Logging.Level))
	logger := logging.New(logging.Config{
		LevelVar: logLevel,
		Pretty:   cfg.Logging.Pretty,
	})
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Watch the config file so runtime-adjustable settings (the log level)
	// follow edits without a restart.
	if configPath != "" {
		provider, err := config.NewFileProvider(configPath, logger)
		if err != nil {
			return err
		}
		defer provider.Close()
		go applyConfigUpdates(ctx, provider.Subscribe(), logLevel, logger)
	}

	shutdownTelemetry, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		logger.Error("Failed to set up telemetry", "error", err)
		return err
	}

	entries := make(map[string]registry.ServiceProfile, len(cfg.Services))
	for name, addr := range cfg.RegistryEntries() {
		entries[name] = registry.NewServiceProfile(addr)
	}
	reg := registry.New(entries)
	logger.Info("Service registry loaded", "services", reg.Names())

	metrics := tlstransport.NewMetrics()

	srv := tlstransport.NewServer(newNodeDispatcher(logger), tlstransport.ServerOptions{
		CertRoot:         cfg.Server.CertRoot,
		HandshakeTimeout: cfg.Server.HandshakeTimeout,
		ReadTimeout:      cfg.Server.ReadTimeout,
		Logger:           logger,
		Metrics:          metrics,
	})

	routes := newRouteTable(reg)
	if err := srv.Start(ctx, cfg.Server.Address, routes, cfg.Server.TLSEnabled, cfg.Server.Identity); err != nil {
		logger.Error("Failed to start transport server", "error", err)
		return err
	}
	logger.Info("Transport server listening",
		"addr", srv.Addr().String(),
		"tls", cfg.Server.TLSEnabled,
		"identity", cfg.Server.Identity,
	)

	var metricsSrv *http.Server
	if cfg.Server.MetricsAddress != "" {
		metricsSrv = startMetricsServer(cfg.Server.MetricsAddress, metrics, logger)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Received shutdown signal", "signal", sig.String())

	cancel()
	if err := srv.Close(); err != nil {
		logger.Error("Error closing transport server", "error", err)
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error closing metrics server", "error", err)
		}
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		logger.Error("Error flushing telemetry", "error", err)
	}

	logger.Info("Transport node stopped")
	return nil
}

// applyConfigUpdates applies the runtime-tunable parts of each config
// snapshot. Only the log level can change without a restart; everything else
// requires bouncing the node.
func applyConfigUpdates(ctx context.Context, updates <-chan *config.Config, logLevel *slog.LevelVar, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-updates:
			if !ok {
				return
			}
			next := logging.ParseLevel(cfg.Logging.Level)
			if logLevel.Level() != next {
				logger.Info("log level updated", "level", next.String())
				logLevel.Set(next)
			}
		}
	}
}

// startMetricsServer serves prometheus metrics and a liveness probe on a
// separate plaintext listener.
func startMetricsServer(addr string, metrics *tlstransport.Metrics, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           otelhttp.NewHandler(mux, "meshwire-metrics"),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("Metrics server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", "error", err)
		}
	}()
	return srv
}
