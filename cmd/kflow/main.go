package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/birdayz/kflow"
	"github.com/birdayz/kflow/kbuilder"
	"github.com/birdayz/kflow/nodes"
	klog "github.com/birdayz/kflow/pkg/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	// SQL drivers usable from sql_source and sql_target.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

func main() {
	pipeline := flag.String("pipeline", "pipeline.yaml", "path to the pipeline definition")
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log := klog.New(klog.ParseLevel(cfg.LogLevel), cfg.LogJSON)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, log, cfg, *pipeline); err != nil {
		if rerr, ok := kflow.FirstFailure(err); ok {
			fmt.Fprint(os.Stderr, rerr.Diagnostic())
		}
		log.Error("Pipeline failed", "error", err)
		os.Exit(1)
	}
}

func buildStream(log *slog.Logger, cfg Config, path string, reg prometheus.Registerer) (*kflow.Stream, error) {
	spec, err := kbuilder.LoadSpecFile(path)
	if err != nil {
		return nil, err
	}

	types := kbuilder.NewRegistry()
	if err := nodes.Register(types); err != nil {
		return nil, err
	}
	g, err := kbuilder.Build(types, spec)
	if err != nil {
		return nil, err
	}

	opts := []kflow.Option{
		kflow.WithLog(log),
		kflow.WithBufferSize(cfg.BufferSize),
		kflow.WithPollInterval(cfg.PollInterval),
	}
	if reg != nil {
		opts = append(opts, kflow.WithMetrics(reg))
	}
	return kflow.FromGraph(g, opts...)
}

func run(ctx context.Context, log *slog.Logger, cfg Config, path string) error {
	var reg *prometheus.Registry
	if cfg.MetricsAddr != "" {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		srv := serveMetrics(log, cfg.MetricsAddr, reg)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	var registerer prometheus.Registerer
	if reg != nil {
		registerer = reg
	}
	stream, err := buildStream(log, cfg, path, registerer)
	if err != nil {
		return err
	}

	if cfg.Schedule == "" {
		log.Info("Running pipeline", "pipeline", path)
		return stream.Run(ctx)
	}
	return schedule(ctx, log, cfg.Schedule, stream)
}

// schedule runs the stream on every cron tick until ctx is done. A tick that
// fires while the previous run is still going is skipped.
func schedule(ctx context.Context, log *slog.Logger, expr string, stream *kflow.Stream) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(expr, func() {
		log.Info("Scheduled run starting")
		if err := stream.Run(ctx); err != nil {
			if rerr, ok := kflow.FirstFailure(err); ok {
				log.Error("Scheduled run failed", "node", rerr.NodeName, "phase", rerr.Phase, "error", rerr.Err)
				return
			}
			log.Error("Scheduled run failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", expr, err)
	}

	log.Info("Pipeline scheduled", "schedule", expr)
	c.Start()
	<-ctx.Done()
	log.Info("Received signal. Waiting for running pipeline")
	<-c.Stop().Done()
	return nil
}

func serveMetrics(log *slog.Logger, addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Metrics server failed", "error", err)
		}
	}()
	return srv
}
