package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/yegors/windburglr/internal/api"
	"github.com/yegors/windburglr/internal/backfill"
	"github.com/yegors/windburglr/internal/broadcast"
	"github.com/yegors/windburglr/internal/config"
	"github.com/yegors/windburglr/internal/mqtt"
	"github.com/yegors/windburglr/internal/relay"
	"github.com/yegors/windburglr/internal/scheduler"
	"github.com/yegors/windburglr/internal/scraper"
	"github.com/yegors/windburglr/internal/storage"
	"github.com/yegors/windburglr/internal/watchdog"
	"github.com/yegors/windburglr/internal/websocket"
	"github.com/yegors/windburglr/pkg/logger"
)

var (
	// Version is injected at build time
	Version = "dev"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file (optional - will search in configs/ and root directory)")
	flag.Parse()

	// A missing .env is fine; real deployments set the environment directly
	_ = godotenv.Load()

	cfg, err := config.LoadWithFallback(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting windburglr",
		logger.String("version", Version),
		logger.String("config_path", *configPath),
		logger.String("storage", cfg.Storage.Driver),
		logger.Any("stations", cfg.StationNames()),
	)

	if err := run(cfg, log); err != nil {
		log.Error("Server stopped with error", logger.Error(err))
		log.Sync()
		os.Exit(1)
	}
	log.Info("Server fully stopped")
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.Open(ctx, cfg.Storage, log)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer store.Close()

	if err := store.RegisterStations(ctx, storage.StationInfos(cfg.Stations)); err != nil {
		return fmt.Errorf("failed to register stations: %w", err)
	}

	// Distribution side
	broadcaster := broadcast.New(broadcast.Options{
		BufferSize: cfg.Broadcast.BufferSize,
		Heartbeat:  time.Duration(cfg.Broadcast.HeartbeatSecs) * time.Second,
	}, log)
	defer broadcaster.Close()

	var cache *backfill.Cache
	if cfg.Cache.Enabled {
		cache = backfill.NewCache(time.Duration(cfg.Cache.Hours)*time.Hour, log)
	}
	history := backfill.NewService(store, cache, time.Duration(cfg.Storage.QueryTimeoutSec)*time.Second, log)

	dog := watchdog.New(store, time.Duration(cfg.Watchdog.TimeoutMinutes)*time.Minute, log)

	// The cache is fed before the broadcaster so a range served from it is
	// never behind what live subscribers have already been sent.
	var publishers []relay.Publisher
	if cache != nil {
		publishers = append(publishers, cache)
	}
	publishers = append(publishers, broadcaster, dog)
	dog.SetNotifier(broadcaster)

	var bridge *mqtt.Bridge
	if cfg.MQTT.Enabled {
		bridge = mqtt.NewBridge(cfg.MQTT, log)
		connectCtx, connectCancel := context.WithTimeout(ctx, 10*time.Second)
		if err := bridge.Connect(connectCtx); err != nil {
			log.Warn("MQTT broker not reachable yet, retrying in background", logger.Error(err))
		}
		connectCancel()
		defer bridge.Close()
		publishers = append(publishers, bridge)
	} else {
		log.Info("MQTT bridge disabled in configuration")
	}

	changeRelay := relay.New(store, relay.Options{
		PollInterval: time.Duration(cfg.Relay.PollIntervalMillis) * time.Millisecond,
		BatchSize:    cfg.Relay.BatchSize,
		MaxBackoff:   time.Duration(cfg.Relay.MaxBackoffSecs) * time.Second,
	}, log, publishers...)

	// The cursor is taken before the cache is primed so no change falls
	// between the primed snapshot and the first relayed event.
	if err := changeRelay.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize change relay: %w", err)
	}
	if cache != nil {
		if err := cache.Prime(ctx, store, cfg.StationNames()); err != nil {
			log.Warn("Failed to prime wind data cache", logger.Error(err))
		}
	}
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		if err := changeRelay.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("Change relay stopped", logger.Error(err))
		}
	}()

	// Periodic jobs
	jobs := scheduler.New(log)
	if err := jobs.Every("watchdog-sweep", time.Duration(cfg.Watchdog.SweepSecs)*time.Second, dog.Sweep); err != nil {
		return err
	}
	retention := time.Duration(cfg.Relay.RetentionMinutes) * time.Minute
	if err := jobs.Every("change-log-prune", time.Duration(cfg.Relay.PruneIntervalMins)*time.Minute, func(ctx context.Context) {
		removed, err := store.PruneChanges(ctx, time.Now().UTC().Add(-retention))
		if err != nil {
			log.Error("Failed to prune change log", logger.Error(err))
			return
		}
		if removed > 0 {
			log.Debug("Pruned change log", logger.Int64("removed", removed))
		}
	}); err != nil {
		return err
	}
	jobs.Start()

	// Acquisition side
	fetcher := scraper.NewFetcher(&http.Client{}, scraper.BreakerSettings{
		Failures: uint32(cfg.Scraper.BreakerFailures),
		OpenFor:  time.Duration(cfg.Scraper.BreakerOpenSecs) * time.Second,
	}, log)
	scraperService := scraper.NewService(cfg.Stations, fetcher, store, scraper.Policy{
		BaseBackoff:     time.Duration(cfg.Scraper.BaseBackoffSecs) * time.Second,
		MaxBackoff:      time.Duration(cfg.Scraper.MaxBackoffSecs) * time.Second,
		ShutdownTimeout: time.Duration(cfg.Scraper.ShutdownTimeoutSecs) * time.Second,
	}, log)
	if err := scraperService.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scraper service: %w", err)
	}

	wsServer := websocket.NewServer(broadcaster, store, history,
		time.Duration(cfg.Broadcast.WriteTimeoutSecs)*time.Second, log)

	svc := api.Services{
		Config:      cfg,
		Store:       store,
		History:     history,
		Cache:       cache,
		Broadcaster: broadcaster,
		Relay:       changeRelay,
		Watchdog:    dog,
		WebSocket:   wsServer,
	}
	if bridge != nil {
		svc.MQTT = bridge
	}
	router := api.NewRouter(svc, log)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router.Routes(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSecs) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSecs) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSecs) * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("Starting HTTP server", logger.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigCh:
		log.Info("Shutting down server...", logger.String("signal", sig.String()))
	case err := <-serverErr:
		runErr = fmt.Errorf("HTTP server error: %w", err)
	}

	// Stop producing first so the stopped statuses still reach subscribers
	scraperService.Stop()
	jobs.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", logger.Error(err))
	}

	cancel()
	<-relayDone
	return runErr
}
