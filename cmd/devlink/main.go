// Package main implements the devlink daemon: the device connectivity node
// that terminates device transports, maintains the session registry, and
// forwards decoded device messages into NATS.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/c360/devlink/codec"
	"github.com/c360/devlink/codec/jsonline"
	"github.com/c360/devlink/config"
	"github.com/c360/devlink/device"
	"github.com/c360/devlink/gateway"
	"github.com/c360/devlink/health"
	"github.com/c360/devlink/metric"
	"github.com/c360/devlink/natsclient"
	"github.com/c360/devlink/network"
	"github.com/c360/devlink/network/mqttclient"
	"github.com/c360/devlink/network/tcpserver"
	"github.com/c360/devlink/network/wsserver"
	"github.com/c360/devlink/ownership"
	"github.com/c360/devlink/session"
)

const (
	Version = "0.1.0"
	appName = "devlink"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("daemon failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return err
	}
	if cliCfg.Validate {
		logger.Info("configuration is valid", "path", cliCfg.ConfigPath)
		return nil
	}

	logger.Info("starting devlink",
		"serverId", cfg.Server.ID,
		"configPath", cliCfg.ConfigPath)

	ctx := context.Background()
	metricsRegistry := metric.NewMetricsRegistry()
	coreMetrics := metricsRegistry.CoreMetrics()

	natsClient, err := natsclient.NewClient(cfg.NATS.URL,
		natsclient.WithLogger(logger),
		natsclient.WithClientName(cfg.NATS.Name+"-"+cfg.Server.ID),
		natsclient.WithMetrics(coreMetrics),
	)
	if err != nil {
		return err
	}
	if err := natsClient.Connect(ctx); err != nil {
		return err
	}
	defer natsClient.Close()

	ownershipStore, directory, networkConfig, err := setupStores(ctx, natsClient, cfg)
	if err != nil {
		return err
	}

	manager, err := setupNetworkManager(ctx, cfg, networkConfig, metricsRegistry, logger)
	if err != nil {
		return err
	}
	defer manager.Stop(5 * time.Second)

	registry, err := session.NewRegistry(session.RegistryDeps{
		ServerID:      cfg.Server.ID,
		Ownership:     ownershipStore,
		Directory:     directory,
		Metrics:       coreMetrics,
		Logger:        logger,
		CheckInterval: cfg.Registry.CheckInterval,
		InitialDelay:  cfg.Registry.InitialDelay,
	})
	if err != nil {
		return err
	}
	for transport, limit := range cfg.Registry.TransportLimits {
		registry.SetTransportLimit(network.Type(transport), limit)
	}
	if err := registry.Start(ctx); err != nil {
		return err
	}
	defer registry.Stop(5 * time.Second)

	gateways, err := setupGateways(ctx, cfg, manager, registry, directory, natsClient, coreMetrics, logger)
	defer func() {
		for _, gw := range gateways {
			gw.Shutdown()
		}
	}()
	if err != nil {
		return err
	}

	metricsServer := startMetrics(cfg, metricsRegistry, logger)
	if metricsServer != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}()
	}

	healthServer := startHealth(cfg, natsClient, registry, gateways, logger)
	if healthServer != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = healthServer.Shutdown(shutdownCtx)
		}()
	}

	return waitForSignal(logger, cfg.Server.ShutdownTimeout)
}

func setupStores(ctx context.Context, nc *natsclient.Client, cfg *config.Config) (ownership.Store, device.Directory, network.ConfigManager, error) {
	ownershipBucket, err := nc.EnsureKeyValue(ctx, cfg.NATS.OwnershipBucket)
	if err != nil {
		return nil, nil, nil, err
	}
	directoryBucket, err := nc.EnsureKeyValue(ctx, cfg.NATS.DirectoryBucket)
	if err != nil {
		return nil, nil, nil, err
	}
	networkBucket, err := nc.EnsureKeyValue(ctx, cfg.NATS.NetworkBucket)
	if err != nil {
		return nil, nil, nil, err
	}
	return ownership.NewKVStore(nc.NewKVStore(ownershipBucket)),
		device.NewKVDirectory(nc.NewKVStore(directoryBucket)),
		network.NewKVConfigManager(nc.NewKVStore(networkBucket)),
		nil
}

func setupNetworkManager(ctx context.Context, cfg *config.Config, kvConfig network.ConfigManager,
	metricsRegistry *metric.MetricsRegistry, logger *slog.Logger) (*network.Manager, error) {

	// Static file entries take precedence; the KV bucket serves the rest.
	configManager := network.NewLayeredConfigManager(staticNetworkConfig(cfg), kvConfig)

	manager, err := network.NewManager(network.ManagerDeps{
		Config:          configManager,
		MetricsRegistry: metricsRegistry,
		Logger:          logger.With("component", "network-manager"),
	})
	if err != nil {
		return nil, err
	}
	manager.Register(tcpserver.NewProvider())
	manager.Register(wsserver.NewProvider())
	manager.Register(mqttclient.NewProvider())
	if err := manager.Start(ctx); err != nil {
		return nil, err
	}
	return manager, nil
}

func staticNetworkConfig(cfg *config.Config) *network.MemoryConfigManager {
	static := network.NewMemoryConfigManager()
	for i := range cfg.Networks {
		props, err := cfg.Networks[i].Properties()
		if err != nil {
			slog.Warn("skipping invalid network entry",
				"id", cfg.Networks[i].ID, "error", err)
			continue
		}
		static.Set(props)
	}
	return static
}

func setupGateways(ctx context.Context, cfg *config.Config, manager *network.Manager,
	registry *session.Registry, directory device.Directory, nc *natsclient.Client,
	coreMetrics *metric.Metrics, logger *slog.Logger) ([]*gateway.Gateway, error) {

	codecs := codec.NewRegistry()
	codecs.Register(jsonline.New(network.TypeTCPServer))
	codecs.Register(jsonline.New(network.TypeWSServer))

	handler := gateway.NATSHandler(nc, cfg.NATS.SubjectPrefix)

	var gateways []*gateway.Gateway
	for _, gc := range cfg.Gateways {
		res, err := manager.GetNetwork(ctx, network.Type(gc.NetworkType), gc.NetworkID)
		if err != nil {
			return gateways, err
		}
		server, ok := res.(network.Server)
		if !ok {
			return gateways, fmt.Errorf("network %s/%s does not accept connections",
				gc.NetworkType, gc.NetworkID)
		}
		c, err := codecs.Lookup(gc.Protocol, network.Type(gc.NetworkType))
		if err != nil {
			return gateways, err
		}

		gw, err := gateway.New(gateway.Deps{
			ID:             gc.ID,
			Server:         server,
			Codec:          c,
			Registry:       registry,
			Directory:      directory,
			Handler:        handler,
			Metrics:        coreMetrics,
			Logger:         logger,
			MessageRate:    gc.MessageRate,
			MessageBurst:   gc.MessageBurst,
			UnknownTimeout: gc.UnknownTimeout,
		})
		if err != nil {
			return gateways, err
		}
		if err := gw.Startup(ctx); err != nil {
			return gateways, err
		}
		gateways = append(gateways, gw)
	}
	return gateways, nil
}

func startMetrics(cfg *config.Config, metricsRegistry *metric.MetricsRegistry, logger *slog.Logger) *http.Server {
	if cfg.Metrics.Port <= 0 {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle(cfg.Metrics.Path, metricsRegistry.Handler())
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler: mux,
	}
	go func() {
		logger.Info("metrics endpoint listening",
			"addr", srv.Addr, "path", cfg.Metrics.Path)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()
	return srv
}

func startHealth(cfg *config.Config, nc *natsclient.Client, registry *session.Registry,
	gateways []*gateway.Gateway, logger *slog.Logger) *http.Server {
	if cfg.Health.Port <= 0 {
		return nil
	}

	monitor := health.NewMonitor(cfg.Server.ID)
	monitor.RegisterCheck("nats", func() health.Status {
		if nc.IsHealthy() {
			return health.Healthy("", "connected")
		}
		return health.Unhealthy("", "connection "+nc.Status().String())
	})
	monitor.RegisterCheck("session-registry", func() health.Status {
		total := int64(0)
		for _, s := range registry.All() {
			if s.IsAlive() {
				total++
			}
		}
		return health.Healthy("", fmt.Sprintf("%d live sessions", total))
	})
	for _, gw := range gateways {
		gw := gw
		monitor.RegisterCheck("gateway-"+gw.ID(), func() health.Status {
			switch {
			case gw.IsAlive():
				return health.Healthy("", gw.State().String())
			case gw.State() == gateway.StatePaused:
				return health.Degraded("", "paused")
			default:
				return health.Unhealthy("", gw.State().String())
			}
		})
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Health.Path, monitor.Handler())
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Health.Port),
		Handler: mux,
	}
	go func() {
		logger.Info("health endpoint listening",
			"addr", srv.Addr, "path", cfg.Health.Path)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("health server stopped", "error", err)
		}
	}()
	return srv
}

func waitForSignal(logger *slog.Logger, shutdownTimeout time.Duration) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String(), "timeout", shutdownTimeout)
	return nil
}
