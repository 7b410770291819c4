package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"tradedeck/config"
	"tradedeck/internal/accounting"
	"tradedeck/internal/feed"
	"tradedeck/internal/gateway"
	"tradedeck/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultConfigPath("config/config.yml"), "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Tradedeck.Name,
		"version": cfg.Tradedeck.Version,
		"venue":   cfg.Venue.Name,
	}).Info("starting tradedeck")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	channels := accounting.NewChannels(
		cfg.Channels.InboundBuffer,
		cfg.Channels.OutboundBuffer,
	)
	defer channels.Close()

	engine := accounting.NewEngine(cfg.Accounting, channels)
	adapter := feed.NewAdapter(cfg, channels)
	gw := gateway.NewServer(cfg.Gateway, channels, log)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		engine.Run(ctx)
	}()

	if gw != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := gw.Run(ctx); err != nil {
				log.WithError(err).Error("gateway failed")
			}
		}()
		log.WithFields(logger.Fields{"address": gw.Address()}).Info("gateway enabled")
	} else {
		log.WithComponent("main").Info("gateway disabled; engine reachable in-process only")
	}

	if err := adapter.Connect(ctx); err != nil {
		log.WithError(err).Warn("initial venue connection failed; will connect on first subscribe")
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
	case err := <-adapter.Fatal():
		log.WithError(err).Error("venue connection permanently lost")
	}

	log.Info("starting graceful shutdown")
	cancel()

	log.Info("stopping market data adapter")
	adapter.Close()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("tradedeck stopped")
}
