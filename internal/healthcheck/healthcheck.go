package healthcheck

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/angeloszaimis/node-gateway/internal/backend"
	"github.com/angeloszaimis/node-gateway/internal/metrics"
)

// Options tunes the probe loop.
type Options struct {
	Interval time.Duration
	Timeout  time.Duration
}

// HealthCheck probes one backend every Interval until ctx is done. Each
// probe runs under its own Timeout and feeds the backend's state machine;
// transitions are logged and emitted to collector.
func HealthCheck(
	ctx context.Context,
	b *backend.Backend,
	prober Prober,
	opts Options,
	collector *metrics.Collector,
	logger *slog.Logger,
) {
	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("Health check stopped",
				slog.String("server", b.Address()))
			return

		case <-ticker.C:
			Tick(ctx, b, prober, opts.Timeout, collector, logger)
		}
	}
}

// Tick runs a single probe and records its result.
func Tick(
	ctx context.Context,
	b *backend.Backend,
	prober Prober,
	timeout time.Duration,
	collector *metrics.Collector,
	logger *slog.Logger,
) {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	err := prober.Probe(probeCtx, b.Address())
	cancel()

	if ctx.Err() != nil {
		return
	}

	if err != nil {
		logger.Debug("Health probe failed",
			slog.String("server", b.Address()),
			slog.Any("err", err))
	}

	if !b.RecordProbe(err == nil) {
		return
	}

	healthy := b.IsHealthy()
	if healthy {
		logger.Info("Server is back up",
			slog.String("server", b.Address()))
	} else {
		logger.Warn("Server is down",
			slog.String("server", b.Address()),
			slog.Any("err", err))
	}

	collector.Emit(metrics.MetricEvent{
		Type:    metrics.EventHealthChanged,
		Backend: b.Address(),
		Healthy: healthy,
	})
}

// Checker runs one independent probe loop per backend.
type Checker struct {
	backends  []*backend.Backend
	prober    Prober
	opts      Options
	collector *metrics.Collector
	logger    *slog.Logger
}

func NewChecker(backends []*backend.Backend, prober Prober, opts Options, collector *metrics.Collector, logger *slog.Logger) *Checker {
	return &Checker{
		backends:  backends,
		prober:    prober,
		opts:      opts,
		collector: collector,
		logger:    logger,
	}
}

// Run starts the probe loops and blocks until ctx is done and every loop
// has returned.
func (c *Checker) Run(ctx context.Context) error {
	for _, b := range c.backends {
		c.collector.Emit(metrics.MetricEvent{
			Type:    metrics.EventHealthChanged,
			Backend: b.Address(),
			Healthy: b.IsHealthy(),
		})
	}

	var wg sync.WaitGroup
	for _, b := range c.backends {
		wg.Add(1)
		go func(b *backend.Backend) {
			defer wg.Done()
			HealthCheck(ctx, b, c.prober, c.opts, c.collector, c.logger)
		}(b)
	}

	c.logger.Info("Health checks started",
		slog.Int("backends", len(c.backends)),
		slog.Duration("interval", c.opts.Interval))

	wg.Wait()
	return nil
}
