package publish

import (
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lubosd/hass-gabb/internal/config"
)

const TopicConnectionStatus = "status"

const connectTimeout = 30 * time.Second

var ErrTimeout = errors.New("mqtt operation timed out")

// Transport is the part of the broker connection the pipeline relies on.
type Transport interface {
	IsConnected() bool
	Reconnect() error
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// Connection owns the paho client. Reconnection is explicit: the client never
// reconnects in the background, the pipeline calls Reconnect when it finds
// the connection down.
type Connection struct {
	client mqtt.Client
	cfg    *config.MqttConfig
	logger zerolog.Logger

	WaitTimeout time.Duration
}

func NewConnection(cfg *config.MqttConfig, logger zerolog.Logger) *Connection {
	c := &Connection{
		cfg:    cfg,
		logger: logger,
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.URL()).
		SetClientID("gabb-mqtt-"+uuid.NewString()).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetKeepAlive(60*time.Second).
		SetPingTimeout(10*time.Second).
		SetConnectTimeout(connectTimeout).
		SetAutoReconnect(false).
		SetCleanSession(true).
		SetWill(c.statusTopic(), "offline", 0, true)

	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		c.logger.Warn().Err(err).Msg("MQTT connection lost")
	}

	c.client = mqtt.NewClient(opts)

	// A shorter wait would give up on a handshake paho is still running,
	// leaving the next Connect refused as already connecting.
	c.WaitTimeout = opts.ConnectTimeout + 5*time.Second

	return c
}

func (c *Connection) statusTopic() string {
	return c.cfg.Prefix + "/" + TopicConnectionStatus
}

// Connect opens the broker session and announces the bridge as online.
func (c *Connection) Connect() error {
	if err := c.wait(c.client.Connect()); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker %s: %w", c.cfg.URL(), err)
	}

	c.logger.Info().Str("broker", c.cfg.URL()).Msg("MQTT connected")

	if err := c.Publish(c.statusTopic(), 0, true, []byte("online")); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to publish bridge status")
	}

	return nil
}

func (c *Connection) IsConnected() bool {
	return c.client.IsConnected()
}

// Reconnect makes a single connection attempt.
func (c *Connection) Reconnect() error {
	return c.Connect()
}

func (c *Connection) Publish(topic string, qos byte, retained bool, payload []byte) error {
	return c.wait(c.client.Publish(topic, qos, retained, payload))
}

// Close marks the bridge offline and disconnects.
func (c *Connection) Close() {
	if !c.client.IsConnected() {
		return
	}

	if err := c.Publish(c.statusTopic(), 0, true, []byte("offline")); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to publish bridge status")
	}

	c.client.Disconnect(250)
	c.logger.Info().Msg("MQTT disconnected")
}

func (c *Connection) wait(token mqtt.Token) error {
	if !token.WaitTimeout(c.WaitTimeout) {
		return ErrTimeout
	}

	return token.Error()
}
