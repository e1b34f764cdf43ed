package kflow

import (
	"log/slog"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
)

// Option is a function that configures a Stream
type Option func(*Stream)

// WithLog sets the logger for the stream
var WithLog = func(log *slog.Logger) Option {
	return func(s *Stream) {
		s.log = log
	}
}

// WithLogr sets a go-logr logger for the stream
var WithLogr = func(log logr.Logger) Option {
	return func(s *Stream) {
		s.log = slog.New(logr.ToSlogHandler(log))
	}
}

// WithBufferSize sets the number of rows per pipe batch
var WithBufferSize = func(n int) Option {
	return func(s *Stream) {
		s.bufferSize = n
	}
}

// WithPollInterval sets how often the supervisor checks on running nodes
var WithPollInterval = func(d time.Duration) Option {
	return func(s *Stream) {
		s.pollInterval = d
	}
}

// WithMetrics registers the stream's Prometheus collectors on reg
var WithMetrics = func(reg prometheus.Registerer) Option {
	return func(s *Stream) {
		s.registerer = reg
	}
}

// NullWriter is a writer that discards all data
type NullWriter struct{}

func (NullWriter) Write(b []byte) (int, error) { return len(b), nil }

// NullLogger creates a logger that discards all output
func NullLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(NullWriter{}, nil))
}
