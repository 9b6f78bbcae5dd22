// Package publish pushes discovery configs and state topics to the broker.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/lubosd/hass-gabb/internal/hass"
	"github.com/lubosd/hass-gabb/internal/metrics"
)

// PayloadNone is what Home Assistant reads as an unknown sensor state.
const PayloadNone = "None"

type Options struct {
	// Pause after every publish
	Delay  time.Duration
	QoS    byte
	Retain bool
}

// Result counts the outcome of one PublishAll batch.
type Result struct {
	Published int
	Failed    int
}

type Pipeline struct {
	conn    Transport
	opts    Options
	logger  zerolog.Logger
	metrics *metrics.Metrics

	// Sleep waits between publishes; replaced in tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

func NewPipeline(conn Transport, opts Options, logger zerolog.Logger, m *metrics.Metrics) *Pipeline {
	return &Pipeline{
		conn:    conn,
		opts:    opts,
		logger:  logger,
		metrics: m,
		Sleep:   sleep,
	}
}

// EnsureConnected makes one reconnect attempt when the broker connection is
// down.
func (p *Pipeline) EnsureConnected() error {
	if p.conn.IsConnected() {
		return nil
	}

	p.logger.Warn().Msg("MQTT client disconnected, attempting to reconnect")

	if err := p.conn.Reconnect(); err != nil {
		return fmt.Errorf("failed to reconnect to MQTT broker: %w", err)
	}

	p.logger.Info().Msg("Reconnected to MQTT broker")

	return nil
}

// PublishAll publishes every discovery config, then every state topic,
// pausing after each message. A failed topic is logged and skipped. The
// returned error is set only when the broker is unreachable or ctx is done.
func (p *Pipeline) PublishAll(ctx context.Context, discovery hass.Discovery, topics hass.Topics) (Result, error) {
	var res Result

	if len(discovery) == 0 && len(topics) == 0 {
		return res, nil
	}

	if err := p.EnsureConnected(); err != nil {
		return res, err
	}

	for _, msg := range discovery.Messages() {
		data, err := json.Marshal(msg.Payload)
		if err != nil {
			p.failed(&res, metrics.KindDiscovery, msg.Topic, err)
			continue
		}

		if err := p.publish(ctx, &res, metrics.KindDiscovery, msg.Topic, data); err != nil {
			return res, err
		}
	}

	for _, msg := range topics.Messages() {
		data, err := EncodeValue(msg.Payload)
		if err != nil {
			p.failed(&res, metrics.KindState, msg.Topic, err)
			continue
		}

		if err := p.publish(ctx, &res, metrics.KindState, msg.Topic, data); err != nil {
			return res, err
		}
	}

	return res, nil
}

// publish sends one message and pauses. Only a cancelled ctx is returned.
func (p *Pipeline) publish(ctx context.Context, res *Result, kind, topic string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := p.conn.Publish(topic, p.opts.QoS, p.opts.Retain, data); err != nil {
		p.failed(res, kind, topic, err)
	} else {
		res.Published++
		p.metrics.Published(kind)
		p.logger.Debug().Str("kind", kind).Str("topic", topic).Msg("Published")
	}

	return p.Sleep(ctx, p.opts.Delay)
}

func (p *Pipeline) failed(res *Result, kind, topic string, err error) {
	res.Failed++
	p.metrics.PublishFailed(kind)
	p.logger.Error().Err(err).Str("kind", kind).Str("topic", topic).Msg("Failed to publish")
}

// EncodeValue renders a state value: scalars as plain text, anything
// structured as JSON. Booleans are True/False, the form existing Home
// Assistant templates for this bridge compare against.
func EncodeValue(v any) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return []byte(PayloadNone), nil
	case string:
		return []byte(t), nil
	case json.Number:
		return []byte(t.String()), nil
	case bool:
		if t {
			return []byte("True"), nil
		}
		return []byte("False"), nil
	case int:
		return []byte(strconv.Itoa(t)), nil
	case int64:
		return []byte(strconv.FormatInt(t, 10)), nil
	case float64:
		return []byte(strconv.FormatFloat(t, 'f', -1, 64)), nil
	default:
		return json.Marshal(t)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
