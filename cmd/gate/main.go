package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"landlink/pkg/app"
	"landlink/pkg/config"
	httphandler "landlink/pkg/http"
	"landlink/pkg/logging"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	logger := app.NewLogger(cfg)

	if err := run(cfg, logger); err != nil {
		logger.Error(context.Background(), "gate server stopped", "error", err.Error())
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger, app.ModeGate)
	if err != nil {
		return err
	}
	defer a.Close()

	router := httphandler.NewGateRouter(a.Handler, a.RouterOptions())
	return app.Serve(ctx, logger, cfg.GateAddr, router, cfg.ShutdownTimeout)
}
