package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Status label values.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Metrics holds the Prometheus collectors of a stream. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// Stream metrics
	StreamRuns     *prometheus.CounterVec
	StreamDuration prometheus.Histogram

	// Node metrics
	NodeRuns     *prometheus.CounterVec
	NodeDuration *prometheus.HistogramVec

	// Pipe metrics
	PipeRows    *prometheus.CounterVec
	PipeDropped *prometheus.CounterVec
}

// New creates the collectors and registers them on reg. Collectors that are
// already registered (a second stream on the same registry) are reused.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		StreamRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kflow_stream_runs_total",
				Help: "Total number of stream runs",
			},
			[]string{"status"},
		),
		StreamDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "kflow_stream_run_duration_seconds",
				Help:    "Stream run duration in seconds",
				Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 900},
			},
		),
		NodeRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kflow_node_runs_total",
				Help: "Total number of node runs",
			},
			[]string{"node", "status"},
		),
		NodeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kflow_node_run_duration_seconds",
				Help:    "Node run duration in seconds",
				Buckets: []float64{.001, .01, .05, .1, .5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"node"},
		),
		PipeRows: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kflow_pipe_rows_total",
				Help: "Rows handed over between two nodes",
			},
			[]string{"source", "target"},
		),
		PipeDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kflow_pipe_rows_dropped_total",
				Help: "Rows discarded because the consumer stopped reading",
			},
			[]string{"source", "target"},
		),
	}

	var err error
	if m.StreamRuns, err = register(reg, m.StreamRuns); err != nil {
		return nil, err
	}
	if m.StreamDuration, err = register(reg, m.StreamDuration); err != nil {
		return nil, err
	}
	if m.NodeRuns, err = register(reg, m.NodeRuns); err != nil {
		return nil, err
	}
	if m.NodeDuration, err = register(reg, m.NodeDuration); err != nil {
		return nil, err
	}
	if m.PipeRows, err = register(reg, m.PipeRows); err != nil {
		return nil, err
	}
	if m.PipeDropped, err = register(reg, m.PipeDropped); err != nil {
		return nil, err
	}
	return m, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// RecordStreamRun records the outcome of one stream run.
func (m *Metrics) RecordStreamRun(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.StreamRuns.WithLabelValues(status).Inc()
	m.StreamDuration.Observe(d.Seconds())
}

// RecordNodeRun records the outcome of one node goroutine.
func (m *Metrics) RecordNodeRun(node, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.NodeRuns.WithLabelValues(node, status).Inc()
	m.NodeDuration.WithLabelValues(node).Observe(d.Seconds())
}

// RecordPipe records the totals of a pipe once its run is over.
func (m *Metrics) RecordPipe(source, target string, transferred, dropped int64) {
	if m == nil {
		return
	}
	m.PipeRows.WithLabelValues(source, target).Add(float64(transferred))
	if dropped > 0 {
		m.PipeDropped.WithLabelValues(source, target).Add(float64(dropped))
	}
}
