package main

import (
	"context"
	"os"
	"strings"

	"mdbroker/internal/distribution"
	"mdbroker/internal/entitlement"
	"mdbroker/internal/gateway"
	"mdbroker/internal/identifier"
	"mdbroker/internal/obs"
	"mdbroker/internal/ops"
	"mdbroker/internal/session"
	"mdbroker/internal/subscription"
	"mdbroker/internal/topic"
	"mdbroker/internal/upstream"
	"mdbroker/pkg/conn"

	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/spf13/pflag"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"
)

func main() {
	if err := run(); err != nil {
		logs.Errorf("broker: %+v", err)
		os.Exit(1)
	}
}

func run() error {
	flagSet := pflag.NewFlagSet("broker", pflag.ContinueOnError)
	configPath := flagSet.StringP("config", "c", "", "path to YAML or JSON config (default: built-in simulator setup)")
	httpAddr := flagSet.String("http", "", "override listen.http")
	udsPath := flagSet.String("uds", "", "override listen.uds")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if v := strings.TrimSpace(*httpAddr); v != "" {
		cfg.Gateway.HTTPAddr = v
	}
	if v := strings.TrimSpace(*udsPath); v != "" {
		cfg.Gateway.UDSPath = v
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-sys.Shutdown():
			logs.Infof("shutdown requested")
			cancel()
		case <-ctx.Done():
		}
	}()

	if cfg.Profiling.ServerAddress != "" {
		profiler, err := startProfiler(cfg.Profiling)
		if err != nil {
			return err
		}
		defer func() {
			_ = profiler.Stop()
		}()
	}

	metrics := obs.NewMetrics()
	go obs.NewReporter(metrics).Run(ctx, cfg.Profiling.ReportInterval)

	var pg *conn.Client
	if !cfg.Postgres.IsZero() {
		pg, err = conn.New(ctx, cfg.Postgres)
		if err != nil {
			return errors.Wrap(err, "connect postgres")
		}
		defer func() {
			_ = pg.Close()
		}()
	}

	source, err := buildIdentifierSource(ctx, cfg, pg)
	if err != nil {
		return err
	}
	ids, err := identifier.NewResolver(cfg.CanonicalScheme, source, identifier.WithMaxCacheEntries(cfg.IdentifierCache))
	if err != nil {
		return err
	}
	resolver, err := distribution.NewResolver(ids, cfg.RuleSets, topic.Namer{})
	if err != nil {
		return err
	}

	checker, err := buildChecker(ctx, cfg.Entitlement, pg)
	if err != nil {
		return err
	}

	sim, err := upstream.NewSimulator(cfg.Simulator)
	if err != nil {
		return err
	}
	defer sim.Close()

	subCfg := cfg.Subscription
	subCfg.Metrics = metrics
	manager, err := subscription.NewManager(sim, subCfg)
	if err != nil {
		return err
	}
	defer manager.Close()

	hub, err := session.NewHub(cfg.Session, session.Deps{
		Resolver: resolver,
		Checker:  checker,
		Manager:  manager,
		Metrics:  metrics,
	})
	if err != nil {
		return err
	}
	defer hub.Close()

	gw, err := gateway.New(cfg.Gateway, gateway.Deps{
		Sessions:      hub,
		Subscriptions: manager,
		Resolver:      resolver,
		Metrics:       metrics,
	})
	if err != nil {
		return err
	}

	logs.Infof("broker started: scheme=%s ruleSets=%v entitlement=%s", cfg.CanonicalScheme, cfg.RuleSets.IDs(), cfg.Entitlement.Mode)
	err = gw.Run(ctx)
	snapshot := metrics.Snapshot()
	logs.Infof("broker stopped: sessions=%d subscribes=%d ticks=%d deliveries=%d drops=%d",
		snapshot.SessionsOpened, snapshot.SubscribeSuccess, snapshot.Ticks, snapshot.Deliveries, snapshot.QueueDrops)
	return err
}

func loadConfig(path string) (ops.Loaded, error) {
	if path == "" {
		return ops.Default()
	}
	return ops.Load(path)
}

func buildIdentifierSource(ctx context.Context, cfg ops.Loaded, pg *conn.Client) (identifier.Source, error) {
	mem := identifier.NewMemorySource()
	for _, alias := range cfg.Aliases {
		mem.Add(alias.Canonical, alias.IDs...)
	}
	if !cfg.AliasesFromDB {
		return mem, nil
	}

	db, err := identifier.NewDBSource(pg.DB())
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		return nil, err
	}
	return identifier.NewChain(mem, db), nil
}

func buildChecker(ctx context.Context, cfg ops.Entitlement, pg *conn.Client) (entitlement.Checker, error) {
	switch cfg.Mode {
	case ops.EntitlementFixed:
		fixed, err := entitlement.NewFixedChecker(cfg.Grants...)
		if err != nil {
			return nil, err
		}
		return fixed, nil
	case ops.EntitlementDatabase:
		backend, err := entitlement.NewDBBackend(pg.DB())
		if err != nil {
			return nil, err
		}
		if err := backend.Migrate(ctx); err != nil {
			return nil, err
		}
		var opts []entitlement.BackendOption
		if cfg.Timeout > 0 {
			opts = append(opts, entitlement.WithTimeout(cfg.Timeout))
		}
		if cfg.TTL > 0 {
			opts = append(opts, entitlement.WithTTL(cfg.TTL))
		}
		checker, err := entitlement.NewBackendChecker(backend, opts...)
		if err != nil {
			return nil, err
		}
		return checker, nil
	default:
		logs.Warnf("entitlement disabled, every user is entitled")
		return entitlement.AllowAll{}, nil
	}
}

func startProfiler(cfg ops.ProfilingConfig) (*pyroscope.Profiler, error) {
	name := cfg.ApplicationName
	if name == "" {
		name = "mdbroker"
	}
	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: name,
		ServerAddress:   cfg.ServerAddress,
		Logger:          profilerLogger{},
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
			pyroscope.ProfileGoroutines,
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "start pyroscope")
	}
	return profiler, nil
}

type profilerLogger struct{}

func (profilerLogger) Infof(format string, args ...interface{})  { logs.Debugf(format, args...) }
func (profilerLogger) Debugf(format string, args ...interface{}) { logs.Debugf(format, args...) }
func (profilerLogger) Errorf(format string, args ...interface{}) { logs.Errorf(format, args...) }
