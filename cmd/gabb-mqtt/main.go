package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lubosd/hass-gabb/internal/config"
	"github.com/lubosd/hass-gabb/internal/gabb"
	"github.com/lubosd/hass-gabb/internal/hass"
	"github.com/lubosd/hass-gabb/internal/logger"
	"github.com/lubosd/hass-gabb/internal/metrics"
	"github.com/lubosd/hass-gabb/internal/payload"
	"github.com/lubosd/hass-gabb/internal/poller"
	"github.com/lubosd/hass-gabb/internal/publish"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "optional YAML config file")
	once := flag.Bool("once", false, "run a single iteration and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if err := logger.Init(cfg.Log); err != nil {
		logger.Fatal().Err(err).Msg("Failed to set up logging")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New(prometheus.DefaultRegisterer)
	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr, prometheus.DefaultGatherer, logger.WithComponent("metrics")); err != nil {
				logger.Error().Err(err).Msg("Metrics listener stopped")
			}
		}()
	}

	conn := connectMqtt(&cfg.Mqtt)
	defer conn.Close()

	pipeline := publish.NewPipeline(conn, publish.Options{
		Delay:  cfg.PublishDelay,
		QoS:    cfg.Mqtt.QoS,
		Retain: cfg.Mqtt.Retain,
	}, logger.WithComponent("publish"), m)

	httpClient := &http.Client{Timeout: cfg.Gabb.Timeout}
	newClient := func(ctx context.Context) (poller.MapSource, error) {
		return gabb.New(ctx, gabb.Config{
			Username: cfg.Gabb.Username,
			Password: cfg.Gabb.Password,
			BaseURL:  cfg.Gabb.URL,
		}, httpClient)
	}

	mapper := hass.NewMapper(cfg.Mqtt.Prefix, cfg.Mqtt.DiscoveryPrefix)
	loop := poller.New(newClient, mapper, pipeline, cfg.RefreshInterval(), logger.WithComponent("poller"), m)

	if *once {
		if err := loop.RunOnce(ctx); err != nil && !errors.Is(err, payload.ErrNoDevices) {
			return 1
		}
		return 0
	}

	logger.Info().
		Dur("interval", cfg.RefreshInterval()).
		Str("prefix", cfg.Mqtt.Prefix).
		Msg("Starting poll loop")

	if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("Poll loop stopped")
		return 1
	}

	logger.Info().Msg("Interrupted, shutting down")

	return 0
}

// connectMqtt refuses to start the loop without a working broker session.
func connectMqtt(cfg *config.MqttConfig) *publish.Connection {
	c := publish.NewConnection(cfg, logger.WithComponent("mqtt"))

	if err := c.Connect(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to MQTT server")
	}

	return c
}
