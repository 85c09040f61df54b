package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"dm-responder/handler"
	"dm-responder/internal/app"
	"dm-responder/internal/config"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	slog.SetDefault(config.NewLogger(os.Stdout, cfg.LogFormat, cfg.LogLevel))

	// ---- Clients and pipeline ----
	a, err := app.Build(ctx, cfg)
	if err != nil {
		slog.Error("failed to build webhook service", "err", err)
		os.Exit(1)
	}
	defer a.Close()

	// ---- Handler ----
	h, err := handler.NewHandler(a.Service)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}
