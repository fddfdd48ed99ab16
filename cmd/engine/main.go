// Command engine runs the intraday index-options trading engine.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/sirupsen/logrus"

	"github.com/bytevantage/optionflow/internal/config"
	"github.com/bytevantage/optionflow/internal/engine"
)

func main() {
	os.Exit(run())
}

func run() int {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Printf("Failed to load config: %v", err)
		return 1
	}

	logger := log.New(os.Stdout, "[ENGINE] ", log.LstdFlags|log.Lshortfile)

	// Structured logger for the operational surface: JSON in live mode,
	// text for paper sessions.
	slog := logrus.New()
	slog.SetOutput(os.Stdout)
	if cfg.IsPaperTrading() {
		slog.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		slog.SetFormatter(&logrus.JSONFormatter{})
	}
	if lvl, err := logrus.ParseLevel(cfg.Environment.LogLevel); err == nil {
		slog.SetLevel(lvl)
	} else {
		slog.SetLevel(logrus.InfoLevel)
	}

	if cfg.IsPaperTrading() {
		slog.Info("PAPER TRADING MODE - no real money at risk")
	} else {
		slog.Warn("LIVE TRADING MODE - real money at risk")
		if os.Getenv("ENGINE_SKIP_LIVE_WAIT") != "1" {
			slog.Info("waiting 10 seconds to confirm (set ENGINE_SKIP_LIVE_WAIT=1 to skip)")
			time.Sleep(10 * time.Second)
		}
	}

	eng, err := engine.New(cfg, engine.Options{}, logger)
	if err != nil {
		slog.WithError(err).Error("engine startup failed")
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		slog.WithField("signal", sig.String()).Info("shutdown signal received")
		cancel()
	}()

	if err := eng.Run(ctx); err != nil {
		slog.WithError(err).Error("engine error")
		return 1
	}
	slog.Info("engine stopped cleanly")
	return 0
}
