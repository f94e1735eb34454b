package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metricsRegistrar is the slice of metric.Registry the engine needs
type metricsRegistrar interface {
	Register(component, metricName string, collector prometheus.Collector) error
}

type metrics struct {
	flowsRunning prometheus.Gauge
	dispatched   prometheus.Counter
	nodeErrors   prometheus.Counter
}

func newMetrics(registry metricsRegistrar) (*metrics, error) {
	m := &metrics{
		flowsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_flows_running",
			Help: "Number of currently running flow instances",
		}),
		dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_device_objects_dispatched_total",
			Help: "Device-originated stream objects dispatched to flows",
		}),
		nodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_node_errors_total",
			Help: "Node processing errors and panics caught by the engine",
		}),
	}

	collectors := map[string]prometheus.Collector{
		"flows_running":                   m.flowsRunning,
		"device_objects_dispatched_total": m.dispatched,
		"node_errors_total":               m.nodeErrors,
	}
	for name, col := range collectors {
		if err := registry.Register("engine", name, col); err != nil {
			return nil, err
		}
	}
	return m, nil
}
