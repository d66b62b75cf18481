package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/dray-io/sysscrub/internal/config"
	"github.com/dray-io/sysscrub/internal/copyengine"
	"github.com/dray-io/sysscrub/internal/device"
	"github.com/dray-io/sysscrub/internal/logging"
	"github.com/dray-io/sysscrub/internal/metrics"
	"github.com/dray-io/sysscrub/internal/resource"
	"github.com/dray-io/sysscrub/internal/scrub"
	"github.com/dray-io/sysscrub/internal/workqueue"
)

// ErrLeak is returned when regions are still live after shutdown.
var ErrLeak = errors.New("scrubd: regions leaked")

// DaemonOptions contains the configuration for creating a daemon.
type DaemonOptions struct {
	Config     *config.Config
	Logger     *logging.Logger
	InstanceID string
	Version    string
}

// Daemon drives a synthetic allocation workload through a scrubber.
type Daemon struct {
	opts   DaemonOptions
	logger *logging.Logger

	registry      *prometheus.Registry
	metricsServer *metrics.Server
	dev           *device.Device
	engine        *copyengine.Local
	queue         *workqueue.Queue
	scrubber      *scrub.Scrubber
	alloc         *resource.Allocator

	mu      sync.Mutex
	started bool
}

// Report summarizes a finished run.
type Report struct {
	Elapsed   time.Duration
	Submitted int64
	Retried   int64
	Allocated int64
	Freed     int64
	Scrub     scrub.Stats
}

// NewDaemon creates a Daemon but does not start it.
func NewDaemon(opts DaemonOptions) (*Daemon, error) {
	if opts.Config == nil {
		return nil, errors.New("scrubd: nil config")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = logging.DefaultLogger()
	}
	return &Daemon{
		opts:   opts,
		logger: opts.Logger.With(map[string]any{"instance": opts.InstanceID}),
		alloc:  &resource.Allocator{},
	}, nil
}

// Run starts every component, runs the workload until ctx is done or the
// configured duration elapses, then shuts down and verifies that every
// region was freed.
func (d *Daemon) Run(ctx context.Context) (Report, error) {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return Report{}, errors.New("scrubd: daemon already started")
	}
	d.started = true
	d.mu.Unlock()

	if err := d.start(); err != nil {
		d.stop()
		return Report{}, err
	}

	cfg := d.opts.Config
	if dur := cfg.WorkloadDuration(); dur > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dur)
		defer cancel()
	}

	begin := time.Now()
	w := &workload{
		dev:       d.dev,
		scrubber:  d.scrubber,
		alloc:     d.alloc,
		producers: cfg.Workload.Producers,
		size:      cfg.Workload.RegionSize,
		interval:  cfg.WorkloadInterval(),
		logger:    d.logger,
	}
	werr := w.run(ctx)

	closeErr := d.stop()
	report := Report{
		Elapsed:   time.Since(begin),
		Submitted: w.submitted.Load(),
		Retried:   w.retried.Load(),
		Allocated: d.alloc.Allocated(),
		Freed:     d.alloc.Freed(),
		Scrub:     d.scrubber.Stats(),
	}
	d.logger.Infof("workload finished", map[string]any{
		"elapsed":   report.Elapsed.String(),
		"submitted": report.Submitted,
		"retried":   report.Retried,
		"allocated": report.Allocated,
		"freed":     report.Freed,
		"async":     report.Scrub.SubmittedAsync,
		"fallbacks": report.Scrub.Fallbacks,
		"reclaimed": report.Scrub.Reclaimed,
		"workers":   report.Scrub.WorkersScheduled,
		"coalesced": report.Scrub.Coalesced,
	})

	if werr != nil {
		return report, werr
	}
	if closeErr != nil {
		return report, closeErr
	}
	if live := d.alloc.Live(); live != 0 {
		return report, fmt.Errorf("%w: %d regions (%d bytes) still live", ErrLeak, live, d.alloc.LiveBytes())
	}
	return report, nil
}

func (d *Daemon) start() error {
	cfg := d.opts.Config

	d.logger.Infof("starting scrubd", map[string]any{
		"version":   d.opts.Version,
		"producers": cfg.Workload.Producers,
		"duration":  cfg.WorkloadDuration().String(),
	})

	d.registry = prometheus.NewRegistry()
	d.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	scrubMetrics := metrics.NewScrubMetricsWithRegistry(d.registry)

	d.dev = device.New(device.Config{
		ID:           cfg.Device.ID,
		Capabilities: device.Capabilities{SysmemScrub: cfg.Device.SysmemScrub},
		Registry:     cfg.Registry(),
	})

	d.queue = workqueue.New(workqueue.Config{
		Workers: cfg.WorkQueue.Workers,
		Depth:   cfg.WorkQueue.Depth,
		Logger:  d.logger,
	})
	d.queue.Start()

	s, err := scrub.New(d.dev, scrub.Options{
		EngineFactory: copyengine.LocalFactory(func(l *copyengine.Local) {
			d.engine = l.WithLogger(d.logger)
		}),
		Engine:     copyengine.Options{QueueDepth: cfg.Engine.QueueDepth},
		Scheduler:  d.queue,
		MaxPending: cfg.Scrub.MaxPending,
		Logger:     d.logger,
		Metrics:    scrubMetrics,
	})
	if err != nil {
		return fmt.Errorf("create scrubber: %w", err)
	}
	d.scrubber = s

	if addr := cfg.Observability.MetricsAddr; addr != "" {
		srv := metrics.NewServerWithRegistry(addr, d.registry).WithLogger(d.logger)
		srv.SetStatus(d.status)
		if err := srv.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		d.mu.Lock()
		d.metricsServer = srv
		d.mu.Unlock()
	}
	return nil
}

// stop tears components down in dependency order: the scrubber drains its
// engine and pending list before the queue running its workers stops.
func (d *Daemon) stop() error {
	if d.metricsServer != nil {
		d.metricsServer.SetShuttingDown()
	}

	var err error
	if d.scrubber != nil {
		err = d.scrubber.Close()
	}
	if d.queue != nil {
		d.queue.Stop()
	}
	if d.metricsServer != nil {
		if cerr := d.metricsServer.Close(); cerr != nil {
			d.logger.Warnf("error closing metrics server", map[string]any{
				"error": cerr.Error(),
			})
		}
	}
	d.logger.Info("scrubd shutdown complete")
	return err
}

func (d *Daemon) status() map[string]any {
	out := map[string]any{
		"device":    d.dev.ID(),
		"allocated": d.alloc.Allocated(),
		"live":      d.alloc.Live(),
	}
	if d.scrubber != nil {
		st := d.scrubber.Stats()
		out["async"] = d.scrubber.Async()
		out["pending"] = d.scrubber.Pending()
		out["submitted"] = st.Submitted
		out["reclaimed"] = st.Reclaimed
	}
	if d.engine != nil {
		out["engineCompleted"] = d.engine.LastCompleted()
	}
	return out
}
