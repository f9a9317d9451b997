package main

import (
	"context"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/rs/zerolog"

	"mesh-assistant/handler"
	"mesh-assistant/internal/app"
	"mesh-assistant/internal/config"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, err := config.Load(os.Getenv("MESH_CONFIG_FILE"))
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("failed to load configuration")
	}
	log := zerolog.New(os.Stdout).Level(cfg.Level()).With().Timestamp().Logger()

	// ---- Components ----
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build assistant")
	}
	go func() { _ = a.Run(ctx) }()

	// ---- Handler ----
	h, err := handler.NewHandler(a.Brain,
		handler.WithMaxMessageRunes(cfg.Brain.MaxMessageRunes),
		handler.WithLogger(log.With().Str("component", "handler").Logger()),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create handler")
	}

	lambda.Start(h.Handle)
}
