package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kevinfb92/ibkr-strategy-builder-backend/internal/broker/ibkr"
	"github.com/kevinfb92/ibkr-strategy-builder-backend/internal/config"
	"github.com/kevinfb92/ibkr-strategy-builder-backend/internal/engine"
	"github.com/kevinfb92/ibkr-strategy-builder-backend/internal/logger"
	"github.com/kevinfb92/ibkr-strategy-builder-backend/internal/storage"
	"github.com/kevinfb92/ibkr-strategy-builder-backend/internal/telegram"
)

const LogFile = "alert_engine.log"
const VersionFile = "version.latest"

func main() {
	// 1. Initialization
	cfg := config.Load()
	cfg.Version = readVersion()

	logger.Setup(LogFile, cfg.MaxLogSizeMB, cfg.MaxLogBackups)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Dependencies
	store, err := storage.Open(cfg.StateFile)
	if err != nil {
		log.Fatalf("CRITICAL: cannot open state file %s: %v", cfg.StateFile, err)
	}

	gateway := ibkr.New(cfg.IBKRGatewayURL, cfg.IBKRAccountID,
		time.Duration(cfg.BrokerTimeoutSec)*time.Second)

	eng := engine.New(cfg, gateway, store)
	chat := telegram.NewClient(cfg.TelegramBotToken, cfg.TelegramChatID)

	// 3. Background surfaces: command listener and event sink
	go chat.StartListener(ctx, eng.HandleCommand)
	go chat.RunSink(eng.Events())

	// 4. Graceful shutdown on system signal
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-c
		log.Println("⚠️ Alert Engine Shutting Down: System signal received.")
		chat.Notify(fmt.Sprintf("🛑 Alert Engine %s shutting down (%d tracked)", cfg.Version, store.Len()))
		cancel()
	}()

	log.Printf("Alert Engine %s Initialized", cfg.Version)
	log.Printf("Tracking %d record(s) from %s", store.Len(), cfg.StateFile)
	chat.Notify(fmt.Sprintf("🚀 Alert Engine %s online, tracking %d record(s)", cfg.Version, store.Len()))

	// 5. Main loop: blocks until the context is cancelled
	eng.Run(ctx)

	log.Println("🛑 Alert Engine stopped.")
}

func readVersion() string {
	version, err := os.ReadFile(VersionFile)
	if err != nil {
		return "v0.0.0-dev"
	}
	return string(version)
}
