package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metricsRegistrar is the slice of metric.Registry the gateway needs
type metricsRegistrar interface {
	Register(component, metricName string, collector prometheus.Collector) error
}

// metrics holds the gateway's Prometheus collectors
type metrics struct {
	connectionsActive prometheus.Gauge
	connectionsTotal  prometheus.Counter
	framesReceived    *prometheus.CounterVec
	framesSent        prometheus.Counter
	framesDropped     prometheus.Counter
	authFailures      prometheus.Counter
	dispatchErrors    prometheus.Counter
}

func newMetrics(registry metricsRegistrar) (*metrics, error) {
	m := &metrics{
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_connections_active",
			Help: "Number of currently connected devices",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_connections_total",
			Help: "Total number of device connections accepted",
		}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_frames_received_total",
			Help: "Frames received from devices by kind",
		}, []string{"kind"}),
		framesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_frames_sent_total",
			Help: "Frames sent to devices",
		}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_frames_dropped_total",
			Help: "Malformed or orphan frames dropped",
		}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_auth_failures_total",
			Help: "Rejected device connection attempts",
		}),
		dispatchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_dispatch_errors_total",
			Help: "Inbound stream objects that failed dispatch",
		}),
	}

	collectors := map[string]prometheus.Collector{
		"connections_active":    m.connectionsActive,
		"connections_total":     m.connectionsTotal,
		"frames_received_total": m.framesReceived,
		"frames_sent_total":     m.framesSent,
		"frames_dropped_total":  m.framesDropped,
		"auth_failures_total":   m.authFailures,
		"dispatch_errors_total": m.dispatchErrors,
	}
	for name, col := range collectors {
		if err := registry.Register("gateway", name, col); err != nil {
			return nil, err
		}
	}

	return m, nil
}
