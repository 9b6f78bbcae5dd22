package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"

	"github.com/lubosd/hass-gabb/internal/config"
	"github.com/lubosd/hass-gabb/internal/gabb"
	"github.com/lubosd/hass-gabb/internal/logger"
	"github.com/lubosd/hass-gabb/internal/snapshot"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// stdout carries the document, so logs always go to stderr.
	cfg.Log.Output = "stderr"
	if err := logger.Init(cfg.Log); err != nil {
		logger.Fatal().Err(err).Msg("Failed to set up logging")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	client, err := gabb.New(ctx, gabb.Config{
		Username: cfg.Gabb.Username,
		Password: cfg.Gabb.Password,
		BaseURL:  cfg.Gabb.URL,
	}, &http.Client{Timeout: cfg.Gabb.Timeout})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize Gabb client")
	}

	snap, err := snapshot.Build(ctx, client, logger.WithComponent("snapshot"))
	if err != nil {
		logger.Error().Err(err).Msg("Failed to fetch device profiles or map data")
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "    ")
	if err := enc.Encode(snap); err != nil {
		logger.Fatal().Err(err).Msg("Failed to output combined data as JSON")
	}
}
