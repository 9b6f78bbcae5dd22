// Package poller runs the fetch, transform and publish cycle.
//
// The loop alternates between polling and sleeping and has no terminal
// state other than cancellation of its context. A failing iteration is
// logged once and the loop carries on with the next one.
package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/lubosd/hass-gabb/internal/gabb"
	"github.com/lubosd/hass-gabb/internal/hass"
	"github.com/lubosd/hass-gabb/internal/metrics"
	"github.com/lubosd/hass-gabb/internal/payload"
	"github.com/lubosd/hass-gabb/internal/publish"
)

// StrippedKey is removed from map data before anything is published.
const StrippedKey = "SafeZones"

const (
	statusOK      = "ok"
	statusEmpty   = "empty"
	statusPartial = "partial"
	statusError   = "error"
)

type MapSource interface {
	GetMap(ctx context.Context) (*gabb.Response, error)
}

// ClientFactory opens a fresh API session for an iteration.
type ClientFactory func(ctx context.Context) (MapSource, error)

type Publisher interface {
	PublishAll(ctx context.Context, discovery hass.Discovery, topics hass.Topics) (publish.Result, error)
}

type Loop struct {
	newClient ClientFactory
	mapper    *hass.Mapper
	publisher Publisher
	interval  time.Duration
	logger    zerolog.Logger
	metrics   *metrics.Metrics

	// Sleep waits out the SLEEPING state; replaced in tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

func New(newClient ClientFactory, mapper *hass.Mapper, publisher Publisher, interval time.Duration, logger zerolog.Logger, m *metrics.Metrics) *Loop {
	return &Loop{
		newClient: newClient,
		mapper:    mapper,
		publisher: publisher,
		interval:  interval,
		logger:    logger,
		metrics:   m,
		Sleep:     sleep,
	}
}

// Run polls until ctx is cancelled and then returns ctx.Err().
func (l *Loop) Run(ctx context.Context) error {
	for {
		_ = l.RunOnce(ctx)

		if err := ctx.Err(); err != nil {
			return err
		}

		l.logger.Info().Dur("interval", l.interval).Msg("Iteration complete, waiting")

		if err := l.Sleep(ctx, l.interval); err != nil {
			return err
		}
	}
}

// RunOnce performs a single polling pass. The error is returned for callers
// that run one iteration only; it has already been logged.
func (l *Loop) RunOnce(ctx context.Context) (err error) {
	start := time.Now()
	devices := 0
	var res publish.Result

	l.logger.Info().Msg("Starting new iteration")

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("iteration panicked: %v", r)
		}

		status := statusOK
		switch {
		case ctx.Err() != nil:
			status = statusError
			l.logger.Info().Msg("Iteration interrupted")
		case errors.Is(err, payload.ErrNoDevices):
			status = statusEmpty
			l.logger.Info().Msg("No devices found in the map data")
		case err != nil:
			status = statusError
			l.logger.Error().Err(err).Msg("Error in iteration")
		case res.Failed > 0:
			status = statusPartial
			l.logger.Warn().Int("published", res.Published).Int("failed", res.Failed).Msg("Published with failures")
		default:
			l.logger.Info().Int("devices", devices).Int("published", res.Published).Msg("Published")
		}

		l.metrics.Poll(status, devices, time.Since(start))
	}()

	devices, res, err = l.iterate(ctx)

	return err
}

func (l *Loop) iterate(ctx context.Context) (int, publish.Result, error) {
	var res publish.Result

	client, err := l.newClient(ctx)
	if err != nil {
		return 0, res, fmt.Errorf("initialize Gabb client: %w", err)
	}

	l.logger.Debug().Msg("Fetching map data")

	resp, err := client.GetMap(ctx)
	if err != nil {
		return 0, res, fmt.Errorf("fetch map data: %w", err)
	}

	body, err := resp.JSON()
	if err != nil {
		return 0, res, fmt.Errorf("parse map data: %w", err)
	}

	stripped, _ := payload.StripKey(body, StrippedKey).(map[string]any)

	devices, err := payload.Devices(stripped)
	if err != nil {
		return 0, res, err
	}

	topics, err := l.mapper.Topics(devices)
	if err != nil {
		return len(devices), res, fmt.Errorf("generate topics: %w", err)
	}

	discovery, err := l.mapper.Discovery(devices)
	if err != nil {
		return len(devices), res, fmt.Errorf("generate discovery: %w", err)
	}

	l.logger.Debug().Int("discovery", len(discovery)).Int("topics", len(topics)).Msg("Publishing topics to MQTT broker")

	res, err = l.publisher.PublishAll(ctx, discovery, topics)
	if err != nil {
		return len(devices), res, fmt.Errorf("publish: %w", err)
	}

	return len(devices), res, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
