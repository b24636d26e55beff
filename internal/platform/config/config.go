package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/pscheid92/mqttbridge/internal/domain"
	"go-simpler.org/env"
)

const (
	BrokerKindMQTT  = "mqtt"
	BrokerKindRedis = "redis"
)

type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	Port      string `env:"PORT" default:"8080"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	BrokerKind   string `env:"BROKER_KIND" default:"mqtt"`
	MQTTHost     string `env:"MQTT_HOST" default:"localhost"`
	MQTTPort     int    `env:"MQTT_PORT" default:"1884"`
	MQTTClientID string `env:"MQTT_CLIENT_ID"`
	MQTTQoS      int    `env:"MQTT_QOS" default:"0"`
	RedisURL     string `env:"REDIS_URL"`
	TopicFilter  string `env:"TOPIC_FILTER" default:"classroom/+/telemetry"`

	BrokerConnectTimeout    time.Duration `env:"BROKER_CONNECT_TIMEOUT" default:"10s"`
	ReconnectInitialBackoff time.Duration `env:"RECONNECT_INITIAL_BACKOFF" default:"1s"`
	ReconnectMaxBackoff     time.Duration `env:"RECONNECT_MAX_BACKOFF" default:"30s"`
	MessageBufferSize       int           `env:"MESSAGE_BUFFER_SIZE" default:"256"`

	ClientSendBuffer      int           `env:"CLIENT_SEND_BUFFER" default:"64"`
	ClientMaxPendingBytes int64         `env:"CLIENT_MAX_PENDING_BYTES" default:"1048576"` // 1 MiB
	ClientWriteTimeout    time.Duration `env:"CLIENT_WRITE_TIMEOUT" default:"5s"`

	MaxWebSocketConnections int     `env:"MAX_WEBSOCKET_CONNECTIONS" default:"10000"`
	ConnectionRatePerIP     float64 `env:"CONNECTION_RATE_PER_IP" default:"10"`
	ConnectionBurstPerIP    int     `env:"CONNECTION_BURST_PER_IP" default:"20"`
	AllowedOrigins          string  `env:"ALLOWED_ORIGINS"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" default:"10s"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if cfg.MQTTClientID == "" {
		cfg.MQTTClientID = "mqttbridge-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Origins returns the comma-separated ALLOWED_ORIGINS as a slice.
func (c *Config) Origins() []string {
	var origins []string
	for _, o := range strings.Split(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

func validate(cfg *Config) error {
	port, err := strconv.Atoi(cfg.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("PORT must be a number between 1 and 65535, got %q", cfg.Port)
	}

	switch cfg.BrokerKind {
	case BrokerKindMQTT:
		if cfg.MQTTHost == "" {
			return errors.New("MQTT_HOST is required")
		}
		if cfg.MQTTPort < 1 || cfg.MQTTPort > 65535 {
			return fmt.Errorf("MQTT_PORT must be between 1 and 65535, got %d", cfg.MQTTPort)
		}
		if cfg.MQTTQoS < 0 || cfg.MQTTQoS > 2 {
			return fmt.Errorf("MQTT_QOS must be 0, 1 or 2, got %d", cfg.MQTTQoS)
		}
	case BrokerKindRedis:
		if cfg.RedisURL == "" {
			return errors.New("REDIS_URL is required when BROKER_KIND=redis")
		}
	default:
		return fmt.Errorf("BROKER_KIND must be %q or %q, got %q", BrokerKindMQTT, BrokerKindRedis, cfg.BrokerKind)
	}

	if err := domain.ValidateFilter(cfg.TopicFilter); err != nil {
		return fmt.Errorf("TOPIC_FILTER: %w", err)
	}

	positive := map[string]int64{
		"MESSAGE_BUFFER_SIZE":       int64(cfg.MessageBufferSize),
		"CLIENT_SEND_BUFFER":        int64(cfg.ClientSendBuffer),
		"CLIENT_MAX_PENDING_BYTES":  cfg.ClientMaxPendingBytes,
		"MAX_WEBSOCKET_CONNECTIONS": int64(cfg.MaxWebSocketConnections),
		"CONNECTION_BURST_PER_IP":   int64(cfg.ConnectionBurstPerIP),
		"CLIENT_WRITE_TIMEOUT":      int64(cfg.ClientWriteTimeout),
		"BROKER_CONNECT_TIMEOUT":    int64(cfg.BrokerConnectTimeout),
		"RECONNECT_INITIAL_BACKOFF": int64(cfg.ReconnectInitialBackoff),
		"SHUTDOWN_TIMEOUT":          int64(cfg.ShutdownTimeout),
	}
	for name, value := range positive {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if cfg.ConnectionRatePerIP <= 0 {
		return errors.New("CONNECTION_RATE_PER_IP must be positive")
	}

	if cfg.ReconnectMaxBackoff < cfg.ReconnectInitialBackoff {
		return fmt.Errorf("RECONNECT_MAX_BACKOFF (%v) must not be less than RECONNECT_INITIAL_BACKOFF (%v)", cfg.ReconnectMaxBackoff, cfg.ReconnectInitialBackoff)
	}

	return nil
}
