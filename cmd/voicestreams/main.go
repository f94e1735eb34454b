// Package main implements the entry point for the voicestreams runtime: the
// device-facing WebSocket gateway plus the dataflow engine that routes
// device audio through speech back ends and back to devices.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/voicestreams/config"
	"github.com/c360/voicestreams/engine"
	"github.com/c360/voicestreams/flowstore"
	"github.com/c360/voicestreams/gateway"
	"github.com/c360/voicestreams/metric"
	"github.com/c360/voicestreams/node"
	"github.com/c360/voicestreams/noderegistry"
	"github.com/c360/voicestreams/remote/wsremote"
	"github.com/c360/voicestreams/telemetry"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "voicestreams"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg, logger, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	ctx := context.Background()

	nc, err := connectNATS(cfg.NATS.URL)
	if err != nil {
		return err
	}
	if nc != nil {
		defer nc.Close()
	}

	metricsRegistry := metric.NewRegistry()

	store, err := loadFlows(cfg.FlowsPath)
	if err != nil {
		return err
	}

	gw, eng, err := setupRuntime(cfg, nc, store, metricsRegistry, logger)
	if err != nil {
		return err
	}

	return runWithSignalHandling(ctx, cfg, gw, eng, metricsRegistry, cliCfg.ShutdownTimeout)
}

// initializeCLI parses flags and sets up logging
func initializeCLI() (*CLIConfig, *slog.Logger, bool, error) {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, nil, true, nil
	}

	if cliCfg.ShowHelp {
		printHelp()
		return nil, nil, true, nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting voicestreams (voice pipeline runtime)",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	return cliCfg, logger, false, nil
}

// connectNATS connects to NATS when configured; an empty URL means the
// runtime operates local-only.
func connectNATS(url string) (*nats.Conn, error) {
	if url == "" {
		slog.Info("NATS not configured, telemetry is local-only")
		return nil, nil
	}

	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	slog.Info("Connected to NATS", "url", url)
	return nc, nil
}

// setupRuntime wires the gateway, node registry, remote clients, and engine
func setupRuntime(
	cfg *config.Config,
	nc *nats.Conn,
	store *flowstore.MemoryStore,
	metricsRegistry *metric.Registry,
	logger *slog.Logger,
) (*gateway.Gateway, *engine.Engine, error) {
	devices := newStaticDevices(cfg.Devices, logger)

	gw := gateway.New(gateway.Config{
		Port:              cfg.Gateway.Port,
		Path:              cfg.Gateway.Path,
		GlobalKey:         cfg.Gateway.GlobalKey(),
		HeartbeatInterval: cfg.Gateway.HeartbeatInterval(),
	}, devices, devices, logger)
	if err := gw.RegisterMetrics(metricsRegistry); err != nil {
		return nil, nil, fmt.Errorf("register gateway metrics: %w", err)
	}

	registry, err := noderegistry.NewRegistry()
	if err != nil {
		return nil, nil, fmt.Errorf("register node types: %w", err)
	}
	slog.Info("Node types registered", "types", registry.Types())

	deps := node.Dependencies{
		Logger:  logger,
		Sender:  gw,
		Metrics: metricsRegistry,
	}
	if cfg.Speech.URL != "" {
		deps.Speech = wsremote.NewSpeechClient(cfg.Speech.URL, logger)
	}
	if cfg.Synth.URL != "" {
		deps.Synth = wsremote.NewSynthClient(cfg.Synth.URL, logger)
	}

	broadcaster := telemetry.NewBroadcaster(nc, logger)

	eng := engine.New(registry, store, deps, broadcaster, logger)
	if err := eng.RegisterMetrics(metricsRegistry); err != nil {
		return nil, nil, fmt.Errorf("register engine metrics: %w", err)
	}

	gw.SetDispatcher(eng)
	return gw, eng, nil
}

// loadFlows reads the flow definition file into the in-memory store. A
// missing flows path yields an empty store; flows can then only be started
// through tests or embedding code.
func loadFlows(path string) (*flowstore.MemoryStore, error) {
	store := flowstore.NewMemoryStore()
	if path == "" {
		slog.Warn("No flows path configured, starting with no flows")
		return store, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read flows file: %w", err)
	}

	var flows []*flowstore.Flow
	if err := json.Unmarshal(data, &flows); err != nil {
		return nil, fmt.Errorf("parse flows file: %w", err)
	}

	for _, f := range flows {
		if err := store.Put(f); err != nil {
			return nil, fmt.Errorf("store flow %q: %w", f.ID, err)
		}
	}

	slog.Info("Flows loaded", "count", len(flows), "path", path)
	return store, nil
}

// runWithSignalHandling starts everything and blocks until shutdown
func runWithSignalHandling(
	ctx context.Context,
	cfg *config.Config,
	gw *gateway.Gateway,
	eng *engine.Engine,
	metricsRegistry *metric.Registry,
	shutdownTimeout time.Duration,
) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := gw.Start(signalCtx); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}

	if err := eng.StartEnabled(signalCtx); err != nil {
		return fmt.Errorf("start flows: %w", err)
	}

	metricsServer := startMetricsServer(cfg.Metrics.Port, gw, eng, metricsRegistry)

	slog.Info("voicestreams started", "running_flows", eng.RunningFlows())

	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	eng.StopAll(shutdownTimeout)
	if err := gw.Stop(shutdownTimeout); err != nil {
		slog.Error("Gateway stop reported errors", "error", err)
	}
	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}

	slog.Info("voicestreams shutdown complete")
	return nil
}
