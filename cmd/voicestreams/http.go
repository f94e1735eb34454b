package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360/voicestreams/engine"
	"github.com/c360/voicestreams/gateway"
	"github.com/c360/voicestreams/health"
	"github.com/c360/voicestreams/metric"
)

// startMetricsServer exposes /metrics and /health. A zero port disables the
// server.
func startMetricsServer(port int, gw *gateway.Gateway, eng *engine.Engine, registry *metric.Registry) *http.Server {
	if port <= 0 {
		slog.Info("Metrics server disabled")
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry.PrometheusRegistry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		status := health.Status{
			Component: appName,
			Healthy:   true,
			Status:    "healthy",
			Timestamp: time.Now(),
		}

		gwStatus := health.FromNodeHealth("gateway", gw.Health())
		engStatus := eng.Health()
		status.SubStatuses = append(status.SubStatuses, gwStatus, engStatus)
		if !gwStatus.Healthy || !engStatus.Healthy {
			status.Healthy = false
			status.Status = "degraded"
		}

		w.Header().Set("Content-Type", "application/json")
		if !status.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(status)
	})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		slog.Info("Metrics server listening", "port", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Metrics server failed", "error", err)
		}
	}()

	return server
}
