package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/blockedby/tg-export/internal/config"
	"github.com/blockedby/tg-export/internal/export"
	"github.com/blockedby/tg-export/internal/logger"
	"github.com/blockedby/tg-export/internal/publisher"
	"github.com/blockedby/tg-export/internal/store"
	"github.com/blockedby/tg-export/internal/tdl"
	"github.com/blockedby/tg-export/internal/telegram"
	"github.com/blockedby/tg-export/internal/web"
)

func main() {
	// 1. Load config (.env first, then the config file)
	_ = godotenv.Load()
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	// 2. Initialize logger
	if err := logger.Init(cfg.LogLevel, cfg.LogFile); err != nil {
		panic("failed to init logger: " + err.Error())
	}
	log := logger.Get()
	log.Info().Msg("starting tg-export service")

	// 3. Setup context with graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info().Msg("received shutdown signal")
		cancel()
	}()

	// 4. Initialize telegram session
	if cfg.TGApiID == 0 || cfg.TGApiHash == "" {
		log.Fatal().Msg("tg_api_id and tg_api_hash are required")
	}
	manager := telegram.NewManager(cfg)
	if err := manager.Init(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to init telegram manager")
	}
	client := telegram.NewClient(manager)
	defer client.Close()

	// 5. Resume store
	st, err := store.New(cfg.DataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open resume store")
	}

	// 6. Optional NATS publishing
	var pub export.EventPublisher
	if cfg.NatsURL != "" {
		nc, err := publisher.Connect(cfg.NatsURL)
		if err != nil {
			log.Warn().Err(err).Msg("failed to connect to nats, publishing disabled")
		} else {
			defer nc.Close()
			pub = publisher.NewNATSPublisher(nc)
		}
	}

	// 7. Progress hub
	hub := web.NewHub()
	go hub.Run()
	notify := func(snap export.Snapshot) {
		hub.Broadcast(web.JobProgressEvent(snap))
	}

	// 8. Export engine + delegated downloader
	runner := tdl.NewRunner(cfg)
	engine := export.NewEngine(export.NewLiveSession(client), st, cfg.ExportDir, runner, pub, notify)
	if err := engine.Rehydrate(); err != nil {
		log.Error().Err(err).Msg("failed to rehydrate jobs")
	}

	// 9. Web server
	srv := web.NewServer(&web.Config{Port: cfg.HTTPPort}, engine, client, hub)
	go func() {
		log.Info().Int("port", cfg.HTTPPort).Msg("http server listening")
		if err := srv.Start(); err != nil {
			log.Error().Err(err).Msg("http server stopped")
			cancel()
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}
	log.Info().Msg("bye")
}
