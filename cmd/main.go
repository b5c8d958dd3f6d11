package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/angeloszaimis/node-gateway/config"
	"github.com/angeloszaimis/node-gateway/internal/allowlist"
	"github.com/angeloszaimis/node-gateway/internal/backend"
	"github.com/angeloszaimis/node-gateway/internal/connmgr"
	"github.com/angeloszaimis/node-gateway/internal/handler"
	"github.com/angeloszaimis/node-gateway/internal/healthcheck"
	"github.com/angeloszaimis/node-gateway/internal/httpserver"
	"github.com/angeloszaimis/node-gateway/internal/listener"
	"github.com/angeloszaimis/node-gateway/internal/metrics"
	"github.com/angeloszaimis/node-gateway/internal/pool"
	"github.com/angeloszaimis/node-gateway/internal/router"
	"github.com/angeloszaimis/node-gateway/internal/strategy"
	"github.com/angeloszaimis/node-gateway/pkg/logger"
)

const metricsBufferSize = 4096

func main() {
	configPath := flag.String("config", "", "path to config.yaml (default: ./config/config.yaml or ./config.yaml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", slog.Any("err", err))
		os.Exit(1)
	}

	log := logger.New(cfg.Logging.Level, true, cfg.Server.Environment)

	workers := cfg.Server.WorkerCount
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	runtime.GOMAXPROCS(workers)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("Gateway stopped with error", slog.Any("err", err))
		os.Exit(1)
	}

	log.Info("Gateway stopped")
}

// run builds the gateway from cfg and serves until ctx is cancelled or a
// component fails.
func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	allow, err := buildAllowList(cfg)
	if err != nil {
		return fmt.Errorf("allow list: %w", err)
	}
	if allow.Len() == 0 {
		log.Warn("Allow list is empty, every connection will be denied")
	}

	registry, backends, err := buildPools(cfg)
	if err != nil {
		return fmt.Errorf("pools: %w", err)
	}

	rt, err := buildRouter(cfg, registry)
	if err != nil {
		return fmt.Errorf("routing: %w", err)
	}

	conns := connmgr.New(connmgr.Limits{
		MaxGlobal:      cfg.Connections.MaxGlobal,
		ConnectTimeout: cfg.Timeouts.Connect,
		ClientTimeout:  cfg.Timeouts.Client,
		ServerTimeout:  cfg.Timeouts.Server,
	})

	collector := metrics.NewCollector(metricsBufferSize, logger.Component(log, "metrics"))
	if err := registerGauges(collector, conns, registry); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	proxy := handler.NewConnectionHandler(logger.Component(log, "proxy"), allow, rt, conns, collector, cfg.Server.BufferSize)

	listeners, err := buildListeners(cfg, proxy, logger.Component(log, "listener"))
	if err != nil {
		return err
	}
	for _, l := range listeners {
		if err := l.Listen(); err != nil {
			return err
		}
	}

	var admin *httpserver.Server
	if cfg.Server.AdminAddress != "" {
		admin, err = httpserver.New(cfg.Server.AdminAddress, setupRouter(collector, registry))
		if err != nil {
			return fmt.Errorf("admin server: %w", err)
		}
		if err := admin.Listen(); err != nil {
			return err
		}
	}

	checker := healthcheck.NewChecker(
		backends,
		healthcheck.NewProber(cfg.HealthCheck.Path),
		healthcheck.Options{Interval: cfg.HealthCheck.Interval, Timeout: cfg.HealthCheck.Timeout},
		collector,
		logger.Component(log, "healthcheck"),
	)

	// The collector outlives the listeners so the final connection events
	// are still counted.
	collectorCtx, stopCollector := context.WithCancel(context.WithoutCancel(ctx))
	defer stopCollector()
	collector.Start(collectorCtx)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return checker.Run(gctx)
	})
	for _, l := range listeners {
		g.Go(func() error {
			return l.Serve(gctx)
		})
	}
	if admin != nil {
		g.Go(func() error {
			return admin.Run(gctx)
		})
	}

	log.Info("Gateway started",
		slog.Int("listeners", len(listeners)),
		slog.Int("pools", len(registry.All())),
		slog.Int("backends", len(backends)),
		slog.Int("allow_list_entries", allow.Len()),
		slog.Int("max_connections", cfg.Connections.MaxGlobal))

	err = g.Wait()
	log.Info("Shutting down gracefully...")
	return err
}

// buildAllowList merges the inline prefixes with the allow list file.
func buildAllowList(cfg *config.Config) (*allowlist.AllowList, error) {
	allow, err := allowlist.FromPrefixes(cfg.AllowList.Prefixes)
	if err != nil {
		return nil, err
	}

	if cfg.AllowList.File == "" {
		return allow, nil
	}

	fromFile, err := allowlist.Load(cfg.AllowList.File)
	if err != nil {
		return nil, err
	}

	return allow.Merge(fromFile), nil
}

// buildPools creates every pool with its members. The returned backends are
// all members across pools, in configuration order.
func buildPools(cfg *config.Config) (*pool.Registry, []*backend.Backend, error) {
	thresholds := backend.Thresholds{
		Failure: cfg.HealthCheck.FailureThreshold,
		Success: cfg.HealthCheck.SuccessThreshold,
	}

	var (
		pools    []*pool.Pool
		backends []*backend.Backend
	)
	for _, pc := range cfg.Pools {
		if len(pc.Backends) == 0 {
			return nil, nil, fmt.Errorf("pool %q has no backends", pc.ID)
		}

		members := make([]*backend.Backend, 0, len(pc.Backends))
		for _, addr := range pc.Backends {
			members = append(members, backend.New(addr, cfg.BackendCeiling(pc), thresholds))
		}

		pools = append(pools, pool.New(pc.ID, members, strategy.NewLeastConnStrategy()))
		backends = append(backends, members...)
	}

	registry, err := pool.NewRegistry(pools...)
	if err != nil {
		return nil, nil, err
	}

	return registry, backends, nil
}

func buildRouter(cfg *config.Config, registry *pool.Registry) (*router.Router, error) {
	defaultPool, ok := registry.Get(cfg.Routing.DefaultPool)
	if !ok {
		return nil, fmt.Errorf("default pool %q is not defined", cfg.Routing.DefaultPool)
	}

	rules := make([]router.Rule, 0, len(cfg.Routing.Rules))
	for _, rc := range cfg.Routing.Rules {
		p, ok := registry.Get(rc.Pool)
		if !ok {
			return nil, fmt.Errorf("rule %q names undefined pool %q", rc.Prefix, rc.Pool)
		}
		rules = append(rules, router.Rule{Prefix: rc.Prefix, Pool: p})
	}

	return router.New(rules, defaultPool)
}

func buildListeners(cfg *config.Config, h listener.ConnHandler, log *slog.Logger) ([]*listener.Listener, error) {
	listeners := make([]*listener.Listener, 0, len(cfg.Server.Listeners))

	for _, lc := range cfg.Server.Listeners {
		var tlsConfig *tls.Config
		if lc.TLS.Enabled() {
			cert, err := tls.LoadX509KeyPair(lc.TLS.CertFile, lc.TLS.KeyFile)
			if err != nil {
				return nil, fmt.Errorf("listener %s: load certificate: %w", lc.Address, err)
			}
			tlsConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
				NextProtos:   []string{"http/1.1"},
			}
		}

		listeners = append(listeners, listener.New(listener.Config{
			Address: lc.Address,
			TLS:     tlsConfig,
			Workers: cfg.Server.WorkerCount,
			Grace:   cfg.Server.ShutdownGrace,
		}, h, log))
	}

	return listeners, nil
}

func registerGauges(collector *metrics.Collector, conns *connmgr.Manager, registry *pool.Registry) error {
	err := collector.RegisterGauge("active_connections", "Connections currently admitted.", nil,
		func() float64 { return float64(conns.Active()) })
	if err != nil {
		return err
	}

	for _, p := range registry.All() {
		err := collector.RegisterGauge("pool_healthy_backends", "Members of the pool currently Up.",
			map[string]string{"pool": p.ID()},
			func() float64 { return float64(p.Healthy()) })
		if err != nil {
			return err
		}

		for _, b := range p.Backends() {
			err := collector.RegisterGauge("backend_active_connections", "Connections currently relayed to the backend.",
				map[string]string{"pool": p.ID(), "backend": b.Address()},
				func() float64 { return float64(b.ActiveConnections()) })
			if err != nil {
				return err
			}
		}
	}

	return nil
}
