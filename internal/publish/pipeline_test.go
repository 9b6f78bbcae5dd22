package publish

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lubosd/hass-gabb/internal/config"
	"github.com/lubosd/hass-gabb/internal/hass"
	"github.com/lubosd/hass-gabb/internal/logger"
	"github.com/lubosd/hass-gabb/internal/metrics"
	"github.com/lubosd/hass-gabb/internal/payload"
)

type published struct {
	topic   string
	payload string
}

type fakeTransport struct {
	connected    bool
	reconnectErr error
	reconnects   int
	failTopics   map[string]bool
	calls        int
	messages     []published
}

func (f *fakeTransport) IsConnected() bool {
	f.calls++
	return f.connected
}

func (f *fakeTransport) Reconnect() error {
	f.calls++
	f.reconnects++
	if f.reconnectErr != nil {
		return f.reconnectErr
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) Publish(topic string, _ byte, _ bool, data []byte) error {
	f.calls++
	if f.failTopics[topic] {
		return errors.New("broker queue full")
	}
	f.messages = append(f.messages, published{topic: topic, payload: string(data)})
	return nil
}

func newTestPipeline(conn Transport, m *metrics.Metrics) (*Pipeline, *[]time.Duration) {
	var pauses []time.Duration
	p := NewPipeline(conn, Options{Delay: 100 * time.Millisecond}, logger.NewTestLogger(), m)
	p.Sleep = func(ctx context.Context, d time.Duration) error {
		pauses = append(pauses, d)
		return ctx.Err()
	}
	return p, &pauses
}

func scenario(t *testing.T) (hass.Discovery, hass.Topics) {
	t.Helper()
	body, err := payload.Decode([]byte(`{"data":{"Devices":[{"id":"d1","batteryLevel":80,"latitude":10.0,"longitude":20.0,"gpsDate":"2024-01-01T00:00:00Z"}]}}`))
	require.NoError(t, err)
	devices, err := payload.Devices(body)
	require.NoError(t, err)

	m := hass.NewMapper("gabb_device", "homeassistant")
	topics, err := m.Topics(devices)
	require.NoError(t, err)
	discovery, err := m.Discovery(devices)
	require.NoError(t, err)
	return discovery, topics
}

func TestPublishAllDiscoveryBeforeState(t *testing.T) {
	conn := &fakeTransport{connected: true}
	p, pauses := newTestPipeline(conn, nil)
	discovery, topics := scenario(t)

	res, err := p.PublishAll(context.Background(), discovery, topics)
	require.NoError(t, err)

	total := len(discovery) + len(topics)
	assert.Equal(t, Result{Published: total}, res)
	require.Len(t, conn.messages, total)
	assert.Len(t, *pauses, total)
	assert.Equal(t, 100*time.Millisecond, (*pauses)[0])

	for i, msg := range conn.messages {
		isDiscovery := strings.HasPrefix(msg.topic, "homeassistant/")
		assert.Equal(t, i < len(discovery), isDiscovery, "message %d %s out of order", i, msg.topic)
	}
}

func TestPublishAllEncoding(t *testing.T) {
	conn := &fakeTransport{connected: true}
	p, _ := newTestPipeline(conn, nil)
	discovery, topics := scenario(t)

	_, err := p.PublishAll(context.Background(), discovery, topics)
	require.NoError(t, err)

	got := map[string]string{}
	for _, msg := range conn.messages {
		got[msg.topic] = msg.payload
	}

	assert.Equal(t, "80", got["gabb_device/d1/batteryLevel"])
	assert.Equal(t, "10.0", got["gabb_device/d1/latitude"])
	assert.Equal(t, "2024-01-01T00:00:00Z", got["gabb_device/d1/gpsDate"])
	assert.Equal(t, `{"latitude":10.0,"longitude":20.0,"LastGPSUpdate":"2024-01-01T00:00:00Z"}`, got["gabb_device/d1/location"])

	var desc map[string]any
	require.NoError(t, json.Unmarshal([]byte(got["homeassistant/sensor/gabb_device_d1/batteryLevel/config"]), &desc))
	assert.Equal(t, "gabb_device/d1/batteryLevel", desc["state_topic"])
	assert.Equal(t, "gabb_device_d1_batteryLevel", desc["unique_id"])
}

func TestPublishAllSkipsFailedTopics(t *testing.T) {
	conn := &fakeTransport{
		connected: true,
		failTopics: map[string]bool{
			"homeassistant/sensor/gabb_device_d1/id/config": true,
			"gabb_device/d1/batteryLevel":                   true,
		},
	}
	m := metrics.New(prometheus.NewRegistry())
	p, _ := newTestPipeline(conn, m)
	discovery, topics := scenario(t)

	res, err := p.PublishAll(context.Background(), discovery, topics)
	require.NoError(t, err)

	total := len(discovery) + len(topics)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, total-2, res.Published)
	assert.Len(t, conn.messages, total-2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.PublishFailures.WithLabelValues(metrics.KindDiscovery)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PublishFailures.WithLabelValues(metrics.KindState)))
	assert.Equal(t, float64(len(topics)-1), testutil.ToFloat64(m.PublishedTotal.WithLabelValues(metrics.KindState)))
}

func TestPublishAllEmptyMakesNoBrokerCalls(t *testing.T) {
	conn := &fakeTransport{connected: false}
	p, pauses := newTestPipeline(conn, nil)

	res, err := p.PublishAll(context.Background(), hass.Discovery{}, hass.Topics{})
	require.NoError(t, err)

	assert.Equal(t, Result{}, res)
	assert.Zero(t, conn.calls)
	assert.Empty(t, *pauses)
}

func TestPublishAllReconnects(t *testing.T) {
	conn := &fakeTransport{connected: false}
	p, _ := newTestPipeline(conn, nil)
	discovery, topics := scenario(t)

	_, err := p.PublishAll(context.Background(), discovery, topics)
	require.NoError(t, err)

	assert.Equal(t, 1, conn.reconnects)
	assert.NotEmpty(t, conn.messages)
}

func TestPublishAllReconnectFailure(t *testing.T) {
	conn := &fakeTransport{connected: false, reconnectErr: errors.New("connection refused")}
	p, _ := newTestPipeline(conn, nil)
	discovery, topics := scenario(t)

	_, err := p.PublishAll(context.Background(), discovery, topics)
	require.Error(t, err)
	assert.ErrorContains(t, err, "connection refused")

	assert.Equal(t, 1, conn.reconnects)
	assert.Empty(t, conn.messages)
}

func TestEnsureConnectedNoopWhenConnected(t *testing.T) {
	conn := &fakeTransport{connected: true}
	p, _ := newTestPipeline(conn, nil)

	require.NoError(t, p.EnsureConnected())
	assert.Zero(t, conn.reconnects)
}

func TestPublishAllStopsOnCancel(t *testing.T) {
	conn := &fakeTransport{connected: true}
	p, _ := newTestPipeline(conn, nil)
	discovery, topics := scenario(t)

	ctx, cancel := context.WithCancel(context.Background())
	p.Sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	res, err := p.PublishAll(ctx, discovery, topics)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, res.Published)
	assert.Len(t, conn.messages, 1)
}

func TestEncodeValue(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{nil, "None"},
		{"online", "online"},
		{json.Number("10.0"), "10.0"},
		{true, "True"},
		{false, "False"},
		{42, "42"},
		{int64(7), "7"},
		{1.5, "1.5"},
		{map[string]any{"a": json.Number("1")}, `{"a":1}`},
		{[]any{"x", json.Number("2")}, `["x",2]`},
		{hass.Location{Latitude: json.Number("1"), Longitude: json.Number("2")}, `{"latitude":1,"longitude":2}`},
		{hass.Location{Latitude: json.Number("1"), Longitude: json.Number("2"), HasGPSDate: true}, `{"latitude":1,"longitude":2,"LastGPSUpdate":null}`},
	}

	for _, tt := range tests {
		got, err := EncodeValue(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, string(got))
	}
}

func TestSleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, sleep(ctx, time.Hour), context.Canceled)
	assert.NoError(t, sleep(context.Background(), time.Millisecond))
	assert.NoError(t, sleep(context.Background(), 0))
}

func TestConnectionStatusTopicAndRefusedConnect(t *testing.T) {
	cfg := &config.MqttConfig{Broker: "tcp://127.0.0.1:1", Prefix: "gabb_device"}
	conn := NewConnection(cfg, logger.NewTestLogger())
	conn.WaitTimeout = 5 * time.Second

	assert.Equal(t, "gabb_device/status", conn.statusTopic())
	assert.False(t, conn.IsConnected())
	assert.Error(t, conn.Connect())

	// Closing a connection that never came up is a no-op.
	conn.Close()
}

func TestConnectionWaitOutlastsConnectTimeout(t *testing.T) {
	conn := NewConnection(&config.MqttConfig{Broker: "tcp://127.0.0.1:1", Prefix: "gabb_device"}, logger.NewTestLogger())

	opts := conn.client.OptionsReader()
	assert.Equal(t, connectTimeout, opts.ConnectTimeout())
	assert.Greater(t, conn.WaitTimeout, opts.ConnectTimeout())
}
