package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"zwave-go-home/internal/coordinator"
	"zwave-go-home/internal/discovery"
	"zwave-go-home/internal/mqtt"
	"zwave-go-home/internal/store"
	"zwave-go-home/internal/web"
	"zwave-go-home/internal/zwave"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("zwave-go-home starting", "version", version, "nodes", len(cfg.Nodes))

	// Device definitions extend the workaround table and per-model defaults.
	deviceDB, err := coordinator.LoadDeviceDir(cfg.DevicesDir, logger)
	if err != nil {
		logger.Error("load device definitions", "err", err)
		os.Exit(1)
	}

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	gateway, err := mqtt.NewGateway(mqtt.GatewayConfig{
		Broker:   cfg.Gateway.Broker,
		Username: cfg.Gateway.Username,
		Password: cfg.Gateway.Password,
		Topic:    cfg.Gateway.Topic,
		Timeout:  cfg.gatewayTimeout(),
	}, logger)
	if err != nil {
		logger.Error("connect gateway", "err", err)
		os.Exit(1)
	}

	network := zwave.NewNetwork(gateway, logger)
	netCtx, netCancel := context.WithCancel(context.Background())
	netDone := make(chan struct{})
	go func() {
		defer close(netDone)
		if err := network.Run(netCtx); err != nil {
			logger.Error("network loop", "err", err)
		}
	}()
	stopNetwork := func() {
		netCancel()
		<-netDone
	}

	events := coordinator.NewEventBus(logger)
	coord := coordinator.New(network, db, deviceDB, events, coordinator.Config{
		RefreshDelay: cfg.refreshDelay(),
	}, logger)

	if err := coord.SeedNodes(cfg.storeNodes()); err != nil {
		logger.Error("seed nodes", "err", err)
		gateway.Stop()
		stopNetwork()
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := coord.Start(ctx); err != nil {
		logger.Error("start coordinator", "err", err)
		cancel()
		gateway.Stop()
		stopNetwork()
		os.Exit(1)
	}
	cancel()

	// Subscribe only once the nodes exist, so retained reports land.
	if err := gateway.Start(network); err != nil {
		logger.Error("subscribe gateway", "err", err)
		gateway.Stop()
		stopNetwork()
		os.Exit(1)
	}

	// Start automation engine (no-op when built with no_automation tag).
	auto, autoWebOpts := initAutomation(coord, cfg, logger)

	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, web.WithVersion(version))
	webOpts = append(webOpts, autoWebOpts...)

	webServer := web.NewServer(coord, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	bridge := initMQTT(coord, cfg, logger)

	var advertiser *discovery.Advertiser
	if cfg.MDNS.Enabled {
		advertiser, err = discovery.Advertise(discovery.Config{
			Instance:  cfg.MDNS.Instance,
			Listen:    cfg.Web.Listen,
			Interface: cfg.MDNS.Interface,
			Version:   version,
			APIKey:    cfg.Web.APIKey != "",
		}, logger)
		if err != nil {
			logger.Error("mdns advertisement", "err", err)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if advertiser != nil {
		advertiser.Stop()
	}
	auto.Stop()
	bridge.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	gateway.Stop()
	coord.Stop(shutdownCtx)
	stopNetwork()

	logger.Info("goodbye")
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
