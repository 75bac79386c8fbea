package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"viewengine/internal/logger"
	"viewengine/internal/viewengine"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	cfg, err := viewengine.LoadConfig()
	if err != nil {
		log.Fatalf("[viewengine] config: %v", err)
	}
	lg := logger.Init(cfg.ServiceName, logger.ParseLevel(cfg.LogLevel))
	lg.Info("config loaded", "views", len(cfg.ViewSpecs), "series", cfg.Series, "sqlite", cfg.SQLitePath)

	svc, err := viewengine.New(cfg, lg)
	if err != nil {
		log.Fatalf("[viewengine] init failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := svc.Run(ctx); err != nil {
		log.Fatalf("[viewengine] fatal: %v", err)
	}
}
