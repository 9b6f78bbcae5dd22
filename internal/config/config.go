package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/lubosd/hass-gabb/internal/logger"
)

const (
	DefaultPrefix          = "gabb_device"
	DefaultDiscoveryPrefix = "homeassistant"
	DefaultRefreshInterval = 1800 * time.Second
	DefaultPublishDelay    = 100 * time.Millisecond
	DefaultHTTPTimeout     = 30 * time.Second
)

// refreshIntervals maps the REFRESH_RATE setting to a poll interval.
var refreshIntervals = map[int]time.Duration{
	1: 300 * time.Second,
	2: 600 * time.Second,
	3: 1800 * time.Second,
	4: 3600 * time.Second,
}

type Config struct {
	Mqtt MqttConfig    `yaml:"mqtt"`
	Gabb GabbConfig    `yaml:"gabb"`
	Log  logger.Config `yaml:"log"`

	// 1 = 5 min, 2 = 10 min, 3 = 30 min, 4 = 60 min
	RefreshRate int `yaml:"refreshRate"`

	// Pause after every single publish
	PublishDelay time.Duration `yaml:"publishDelay"`

	// e.g. ":9108", empty disables the metrics listener
	MetricsAddr string `yaml:"metricsAddr"`
}

type MqttConfig struct {
	// Host name, or a full URL such as tcp://127.0.0.1:1883
	Broker   string `yaml:"broker"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// e.g. "gabb_device"
	Prefix string `yaml:"prefix"`

	// e.g. "homeassistant"
	DiscoveryPrefix string `yaml:"discoveryPrefix"`

	QoS    byte `yaml:"qos"`
	Retain bool `yaml:"retain"`
}

type GabbConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// Overrides the vendor API base URL
	URL string `yaml:"url"`

	Timeout time.Duration `yaml:"timeout"`
}

// Default returns a configuration with every optional field populated.
func Default() *Config {
	return &Config{
		Mqtt: MqttConfig{
			Broker:          "localhost",
			Port:            1883,
			Prefix:          DefaultPrefix,
			DiscoveryPrefix: DefaultDiscoveryPrefix,
		},
		Gabb: GabbConfig{
			Timeout: DefaultHTTPTimeout,
		},
		Log:          logger.DefaultConfig(),
		PublishDelay: DefaultPublishDelay,
	}
}

// Load builds the configuration from an optional YAML file, a .env file in
// the working directory and finally the process environment. Later sources
// win.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config file: %w", err)
		}
	}

	// .env is optional; real environment variables take precedence over it.
	_ = godotenv.Load()

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Gabb.Username, "GABB_USERNAME")
	setString(&c.Gabb.Password, "GABB_PASSWORD")
	setString(&c.Gabb.URL, "GABB_API_URL")
	setString(&c.Mqtt.Broker, "MQTT_BROKER")
	setString(&c.Mqtt.Username, "MQTT_USERNAME")
	setString(&c.Mqtt.Password, "MQTT_PASSWORD")
	setString(&c.Mqtt.Prefix, "MQTT_PREFIX")
	setString(&c.Mqtt.DiscoveryPrefix, "MQTT_DISCOVERY_PREFIX")
	setString(&c.MetricsAddr, "METRICS_ADDR")
	setString(&c.Log.Level, "LOG_LEVEL")

	if v := env("MQTT_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid MQTT_PORT: %w", err)
		}
		c.Mqtt.Port = port
	}

	if v := env("MQTT_QOS"); v != "" {
		qos, err := strconv.ParseUint(v, 10, 8)
		if err != nil {
			return fmt.Errorf("invalid MQTT_QOS: %w", err)
		}
		c.Mqtt.QoS = byte(qos)
	}

	if v := env("MQTT_RETAIN"); v != "" {
		c.Mqtt.Retain = parseBool(v)
	}

	if v := env("DEBUG"); v != "" {
		c.Log.Debug = parseBool(v)
	}

	// An unparsable REFRESH_RATE falls back to the default interval rather
	// than refusing to start.
	if v := env("REFRESH_RATE"); v != "" {
		rate, err := strconv.Atoi(v)
		if err != nil {
			rate = 0
		}
		c.RefreshRate = rate
	}

	if v := env("PUBLISH_DELAY"); v != "" {
		d, err := parseDelay(v)
		if err != nil {
			return fmt.Errorf("invalid PUBLISH_DELAY: %w", err)
		}
		c.PublishDelay = d
	}

	if v := env("HTTP_TIMEOUT"); v != "" {
		d, err := parseDelay(v)
		if err != nil {
			return fmt.Errorf("invalid HTTP_TIMEOUT: %w", err)
		}
		c.Gabb.Timeout = d
	}

	return nil
}

// Validate reports the first setting that would prevent the bridge from
// running.
func (c *Config) Validate() error {
	if c.Gabb.Username == "" || c.Gabb.Password == "" {
		return errors.New("GABB_USERNAME and GABB_PASSWORD are required")
	}

	if c.Mqtt.Broker == "" {
		return errors.New("MQTT_BROKER is required")
	}

	if c.Mqtt.Port <= 0 || c.Mqtt.Port > 65535 {
		return fmt.Errorf("MQTT port %d out of range", c.Mqtt.Port)
	}

	if c.Mqtt.QoS > 2 {
		return fmt.Errorf("MQTT QoS %d out of range", c.Mqtt.QoS)
	}

	if c.Mqtt.Prefix == "" {
		c.Mqtt.Prefix = DefaultPrefix
	}

	if c.Mqtt.DiscoveryPrefix == "" {
		c.Mqtt.DiscoveryPrefix = DefaultDiscoveryPrefix
	}

	if c.PublishDelay < 0 {
		return fmt.Errorf("publish delay %s is negative", c.PublishDelay)
	}

	return nil
}

// RefreshInterval returns the time to sleep between polls.
func (c *Config) RefreshInterval() time.Duration {
	return RefreshInterval(c.RefreshRate)
}

// RefreshInterval maps a REFRESH_RATE setting to its interval. Unknown
// settings yield DefaultRefreshInterval.
func RefreshInterval(setting int) time.Duration {
	if d, ok := refreshIntervals[setting]; ok {
		return d
	}

	return DefaultRefreshInterval
}

// URL returns the broker address in the form paho expects.
func (m *MqttConfig) URL() string {
	if strings.Contains(m.Broker, "://") {
		return m.Broker
	}

	return fmt.Sprintf("tcp://%s:%d", m.Broker, m.Port)
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func setString(dst *string, key string) {
	if v := env(key); v != "" {
		*dst = v
	}
}

func parseBool(v string) bool {
	v = strings.ToLower(v)
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

// parseDelay accepts either a Go duration ("250ms") or plain seconds ("0.1").
func parseDelay(v string) (time.Duration, error) {
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}

	secs, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, err
	}

	return time.Duration(secs * float64(time.Second)), nil
}
