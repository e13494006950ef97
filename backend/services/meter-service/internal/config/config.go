package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	libconfig "watermeter/backend/libs/config"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"

	defaultHTTPPort = "5001"
)

// DefaultControllers is the identity map used when none is configured.
var DefaultControllers = map[string]string{
	"water_meter_controller_001": "Cold water",
	"water_meter_controller_002": "Hot water",
}

// Config defines meter service configuration.
type Config struct {
	HTTP struct {
		Port        string   `yaml:"port" env:"METER_HTTP_PORT"`
		CORSOrigins []string `yaml:"cors_origins" env:"METER_HTTP_CORS_ORIGINS"`
	} `yaml:"http"`
	Storage struct {
		Driver       string `yaml:"driver" env:"METER_STORAGE_DRIVER" validate:"oneof=postgres memory"`
		DSN          string `yaml:"dsn" env:"METER_POSTGRES_DSN" validate:"required_if=Driver postgres"`
		MaxOpenConns int    `yaml:"max_open_conns" env:"METER_POSTGRES_MAX_OPEN_CONNS" validate:"gte=0"`
		AutoMigrate  bool   `yaml:"auto_migrate" env:"METER_STORAGE_AUTO_MIGRATE"`
	} `yaml:"storage"`
	Redis struct {
		Addr      string        `yaml:"addr" env:"METER_REDIS_ADDR"`
		Password  string        `yaml:"password" env:"METER_REDIS_PASSWORD"`
		DB        int           `yaml:"db" env:"METER_REDIS_DB" validate:"gte=0"`
		StatusTTL time.Duration `yaml:"status_ttl" env:"METER_STATUS_TTL" validate:"gt=0"`
	} `yaml:"redis"`
	MQTT struct {
		BrokerURL      string        `yaml:"broker_url" env:"METER_MQTT_BROKER_URL" validate:"required"`
		ClientID       string        `yaml:"client_id" env:"METER_MQTT_CLIENT_ID"`
		Username       string        `yaml:"username" env:"METER_MQTT_USERNAME"`
		Password       string        `yaml:"password" env:"METER_MQTT_PASSWORD"`
		TLSCAFile      string        `yaml:"tls_ca_file" env:"METER_MQTT_TLS_CA_FILE"`
		Topics         []string      `yaml:"topics" env:"METER_MQTT_TOPICS" validate:"min=1,dive,required"`
		QoS            uint8         `yaml:"qos" env:"METER_MQTT_QOS" validate:"lte=2"`
		ConnectTimeout time.Duration `yaml:"connect_timeout" env:"METER_MQTT_CONNECT_TIMEOUT" validate:"gt=0"`
		RetryMaxWait   time.Duration `yaml:"retry_max_wait" env:"METER_MQTT_RETRY_MAX_WAIT" validate:"gte=0"`
	} `yaml:"mqtt"`
	Ingest struct {
		PulseTopicPrefix    string `yaml:"pulse_topic_prefix" env:"METER_PULSE_TOPIC_PREFIX" validate:"required"`
		StatusTopic         string `yaml:"status_topic" env:"METER_STATUS_TOPIC" validate:"required"`
		CommandTopicPrefix  string `yaml:"command_topic_prefix" env:"METER_COMMAND_TOPIC_PREFIX"`
		Workers             int    `yaml:"workers" env:"METER_INGEST_WORKERS" validate:"min=1"`
		QueueSize           int    `yaml:"queue_size" env:"METER_INGEST_QUEUE_SIZE" validate:"min=1"`
		MaxPulsesPerMessage int    `yaml:"max_pulses_per_message" env:"METER_MAX_PULSES_PER_MESSAGE" validate:"min=1"`
	} `yaml:"ingest"`
	Monitoring struct {
		MetricsWindow time.Duration `yaml:"metrics_window" env:"METER_METRICS_WINDOW" validate:"gt=0"`
	} `yaml:"monitoring"`
	Controllers map[string]string `yaml:"controllers" env:"METER_CONTROLLERS" validate:"dive,keys,required,endkeys,required"`
}

// Load configuration using shared helper.
func Load() (*Config, error) {
	cfg := Default()

	if err := libconfig.LoadConfig(cfg); err != nil {
		return nil, err
	}

	if len(cfg.Controllers) == 0 {
		cfg.Controllers = copyControllers(DefaultControllers)
	}
	cfg.Storage.Driver = strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns configuration with defaults applied. The controller map is left empty so
// a configured map replaces DefaultControllers instead of merging into it.
func Default() *Config {
	cfg := &Config{}
	cfg.HTTP.Port = defaultHTTPPort
	cfg.HTTP.CORSOrigins = []string{"*"}
	cfg.Storage.Driver = DriverPostgres
	cfg.Storage.AutoMigrate = true
	cfg.Redis.StatusTTL = 5 * time.Minute
	cfg.MQTT.BrokerURL = "tcp://localhost:1883"
	cfg.MQTT.Topics = []string{"water_meter/pulse/#", "water_meter/status", "water_meter/command/#"}
	cfg.MQTT.ConnectTimeout = 10 * time.Second
	cfg.MQTT.RetryMaxWait = time.Minute
	cfg.Ingest.PulseTopicPrefix = "water_meter/pulse"
	cfg.Ingest.StatusTopic = "water_meter/status"
	cfg.Ingest.CommandTopicPrefix = "water_meter/command"
	cfg.Ingest.Workers = 4
	cfg.Ingest.QueueSize = 256
	cfg.Ingest.MaxPulsesPerMessage = 1000
	cfg.Monitoring.MetricsWindow = 24 * time.Hour
	return cfg
}

// Validate checks struct constraints and returns the first violation in a readable form.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("config: %s fails %q", fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// HTTPAddress returns :port style.
func (c *Config) HTTPAddress() string {
	port := strings.TrimSpace(c.HTTP.Port)
	if port == "" {
		port = defaultHTTPPort
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return fmt.Sprintf(":%s", port)
}

// RedisEnabled reports whether a status cache is configured.
func (c *Config) RedisEnabled() bool {
	return strings.TrimSpace(c.Redis.Addr) != ""
}

func copyControllers(src map[string]string) map[string]string {
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
