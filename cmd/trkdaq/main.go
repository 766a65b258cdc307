// Package main runs the trkdaq tracker readout front end: it loads the
// configuration, connects to NATS, starts every enabled component and serves
// metrics and health until interrupted or until every readout has finished.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"os/signal"
	"runtime"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/errgroup"

	"github.com/c360/trkdaq/component"
	"github.com/c360/trkdaq/componentregistry"
	"github.com/c360/trkdaq/config"
	"github.com/c360/trkdaq/health"
	"github.com/c360/trkdaq/metric"
	"github.com/c360/trkdaq/natsclient"
	"github.com/c360/trkdaq/pkg/retry"
)

// Build information
const (
	Version = "0.1.0"
	appName = "trkdaq"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	cli, err := parseFlags(args, os.Getenv, os.Stderr)
	if err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cli.ShowHelp {
		return nil
	}
	if cli.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}

	cfg, err := loadConfig(cli.ConfigPaths)
	if err != nil {
		return err
	}

	logger := setupLogger(os.Stdout, firstNonEmpty(cli.LogLevel, cfg.Log.Level), firstNonEmpty(cli.LogFormat, cfg.Log.Format))
	slog.SetDefault(logger)
	logger.Info("Starting trkdaq", "config", cli.ConfigPaths, "platform", cfg.PlatformMeta())
	logger.Debug("Effective configuration", "config", cfg.String())

	if cli.Validate {
		logger.Info("Configuration is valid")
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsRegistry := metric.NewMetricsRegistry()
	natsClient, err := connectToNATS(ctx, cfg, metricsRegistry, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := natsClient.Close(closeCtx); err != nil {
			logger.Warn("NATS close failed", "error", err)
		}
	}()

	if err := ensureStream(ctx, cfg, natsClient, logger); err != nil {
		return err
	}

	registry := component.NewRegistry()
	if err := componentregistry.Register(registry); err != nil {
		return fmt.Errorf("register components: %w", err)
	}
	logger.Info("Component factories registered", "factories", registry.ListComponentTypes())

	deps := component.Dependencies{
		NATSClient:      natsClient,
		MetricsRegistry: metricsRegistry,
		Logger:          logger,
		Platform:        cfg.PlatformMeta(),
	}
	started, err := startComponents(ctx, cfg, registry, deps, logger)
	defer stopComponents(started, cli.ShutdownTimeout, logger)
	if err != nil {
		return err
	}

	monitor := health.NewMonitor(registry, metricsRegistry.CoreMetrics())
	monitor.AddCheck("nats", natsCheck(natsClient))

	return serve(ctx, cli, cfg, metricsRegistry, monitor, started, logger)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func loadConfig(paths []string) (*config.Config, error) {
	loader := config.NewLoader()
	for _, p := range paths {
		loader.AddLayer(p)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// connectToNATS dials with retry and waits for the connection to be ready.
func connectToNATS(
	ctx context.Context,
	cfg *config.Config,
	metricsRegistry *metric.MetricsRegistry,
	logger *slog.Logger,
) (*natsclient.Client, error) {
	opts := []natsclient.ClientOption{
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natsclient.WithClientName(fmt.Sprintf("%s-%s", appName, cfg.PlatformMeta().Platform)),
		natsclient.WithLogger(logger.With("component", "natsclient")),
		natsclient.WithMetrics(metricsRegistry),
	}
	if cfg.NATS.ReconnectWait > 0 {
		opts = append(opts, natsclient.WithReconnectWait(time.Duration(cfg.NATS.ReconnectWait)))
	}
	if cfg.NATS.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.NATS.Username, cfg.NATS.Password))
	}
	if cfg.NATS.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.NATS.Token))
	}

	client, err := natsclient.NewClient(strings.Join(cfg.NATS.URLs, ","), opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	logger.Info("Connecting to NATS", "urls", cfg.NATS.URLs)
	if err := retry.Do(ctx, retry.DefaultConfig(), func() error { return client.Connect(ctx) }); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		return nil, fmt.Errorf("NATS connection timeout: %w", err)
	}
	return client, nil
}

func ensureStream(ctx context.Context, cfg *config.Config, client *natsclient.Client, logger *slog.Logger) error {
	sc := cfg.NATS.Stream
	if sc.Name == "" {
		return nil
	}

	storage := jetstream.FileStorage
	if sc.Storage == "memory" {
		storage = jetstream.MemoryStorage
	}
	_, err := client.EnsureStream(ctx, jetstream.StreamConfig{
		Name:       sc.Name,
		Subjects:   sc.Subjects,
		Storage:    storage,
		MaxAge:     time.Duration(sc.MaxAge),
		Duplicates: time.Duration(sc.DuplicateWindow),
	})
	if err != nil {
		return fmt.Errorf("ensure stream %s: %w", sc.Name, err)
	}
	logger.Info("JetStream stream ready", "stream", sc.Name, "subjects", sc.Subjects, "storage", sc.Storage)
	return nil
}

type startedComponent struct {
	name string
	comp component.LifecycleComponent
}

// startComponents creates, initializes and starts every enabled component in
// name order. The components started before a failure are returned with it.
func startComponents(
	ctx context.Context,
	cfg *config.Config,
	registry *component.Registry,
	deps component.Dependencies,
	logger *slog.Logger,
) ([]startedComponent, error) {
	var started []startedComponent
	for _, name := range slices.Sorted(maps.Keys(cfg.Components)) {
		cc := cfg.Components[name]
		if !cc.Enabled {
			logger.Info("Component disabled in config", "name", name)
			continue
		}

		comp, err := registry.CreateComponent(name, cc, deps)
		if err != nil {
			return started, fmt.Errorf("create component %s: %w", name, err)
		}
		lc, ok := component.AsLifecycleComponent(comp)
		if !ok {
			logger.Info("Component has no lifecycle", "name", name)
			continue
		}
		if err := lc.Initialize(); err != nil {
			return started, fmt.Errorf("initialize component %s: %w", name, err)
		}
		if err := lc.Start(ctx); err != nil {
			return started, fmt.Errorf("start component %s: %w", name, err)
		}
		started = append(started, startedComponent{name: name, comp: lc})
		logger.Info("Component started", "name", name, "factory", cc.Name)
	}
	if len(started) == 0 {
		logger.Warn("No components started")
	}
	return started, nil
}

// stopComponents stops in reverse start order, each within timeout.
func stopComponents(started []startedComponent, timeout time.Duration, logger *slog.Logger) {
	for _, sc := range slices.Backward(started) {
		if err := sc.comp.Stop(timeout); err != nil {
			logger.Error("Component stop failed", "name", sc.name, "error", err)
			continue
		}
		logger.Info("Component stopped", "name", sc.name)
	}
}

func natsCheck(client *natsclient.Client) health.Check {
	return func() health.Status {
		status := client.Status()
		if status == natsclient.StatusConnected {
			return health.NewHealthy("nats", status.String())
		}
		if status == natsclient.StatusReconnecting {
			return health.NewDegraded("nats", status.String())
		}
		return health.NewUnhealthy("nats", status.String())
	}
}

// finisher is a component whose work can complete on its own. Err reports
// the fatal error that ended it, if any.
type finisher interface {
	Done() <-chan struct{}
	Err() error
}

// serve runs the metrics server and the health monitor until ctx ends or,
// with ExitOnFinish, every finishing component is done.
func serve(
	ctx context.Context,
	cli *CLIConfig,
	cfg *config.Config,
	metricsRegistry *metric.MetricsRegistry,
	monitor *health.Monitor,
	started []startedComponent,
	logger *slog.Logger,
) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Enabled {
		server := metric.NewServer(cfg.Metrics.Addr, cfg.Metrics.Path, metricsRegistry,
			metric.WithHealthHandler(monitor.Handler(appName)))
		logger.Info("Serving metrics", "address", server.Address())
		g.Go(func() error { return server.Run(gctx) })
	}

	g.Go(func() error { return monitor.Watch(gctx, cli.HealthInterval) })

	var finishers []startedComponent
	for _, sc := range started {
		if _, ok := sc.comp.(finisher); ok {
			finishers = append(finishers, sc)
		}
	}
	if cli.ExitOnFinish && len(finishers) > 0 {
		g.Go(func() error {
			for _, sc := range finishers {
				f := sc.comp.(finisher)
				select {
				case <-f.Done():
				case <-gctx.Done():
					return nil
				}
				if err := f.Err(); err != nil {
					logger.Error("Readout failed", "name", sc.name, "error", err)
					return fmt.Errorf("readout %s: %w", sc.name, err)
				}
			}
			logger.Info("All readouts finished")
			cancel()
			return nil
		})
	}

	logger.Info("trkdaq started", "components", len(started))
	err := g.Wait()
	if ctx.Err() != nil {
		logger.Info("Shutting down")
	}
	return err
}
