package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/luciancaetano/wsrelay/internal/config"
	"github.com/luciancaetano/wsrelay/internal/logger"
	"github.com/luciancaetano/wsrelay/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "wsrelay:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to a YAML configuration file")
	addr := flag.String("addr", "", "listen address, overrides the configuration file")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if *addr != "" {
		cfg.Addr = *addr
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := ws.New(ws.FromConfig(cfg, log))
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("start relay: %w", err)
	}

	log.Info("relay started, press Ctrl+C to stop",
		zap.String("addr", cfg.Addr),
		zap.Bool("raw_relay", cfg.RawRelay),
		zap.Bool("rate_limit", cfg.RateLimit.Enabled))

	<-ctx.Done()
	log.Info("shutdown requested", zap.Int("clients", server.ClientCount()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Stop(shutdownCtx)
}
