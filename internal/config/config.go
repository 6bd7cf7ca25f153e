// Package config loads the server configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all runtime settings for the turn engine server.
type Config struct {
	Port     string `envconfig:"SERVER_PORT" default:"8080"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	DBHost        string        `envconfig:"DB_HOST" required:"true"`
	DBPort        string        `envconfig:"DB_PORT" default:"5432"`
	DBUser        string        `envconfig:"DB_USER" required:"true"`
	DBPassword    string        `envconfig:"DB_PASSWORD" required:"true"`
	DBName        string        `envconfig:"DB_NAME" required:"true"`
	DBSSLMode     string        `envconfig:"DB_SSL_MODE" default:"disable"`
	DBMaxConns    int           `envconfig:"DB_MAX_CONNECTIONS" default:"10"`
	DBIdleTimeout time.Duration `envconfig:"DB_MAX_IDLE_MINUTES" default:"5m"`

	RedisAddr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	RabbitMQURL        string `envconfig:"RABBITMQ_URL" required:"true"`
	TurnCommittedQueue string `envconfig:"TURN_COMMITTED_QUEUE" default:"turn_committed"`

	ProviderAPIKey     string        `envconfig:"PROVIDER_API_KEY" required:"true"`
	ProviderBaseURL    string        `envconfig:"PROVIDER_BASE_URL" default:"https://openrouter.ai/api/v1"`
	ProviderTimeout    time.Duration `envconfig:"PROVIDER_TIMEOUT" default:"120s"`
	ProviderMaxRetries int           `envconfig:"PROVIDER_MAX_RETRIES" default:"3"`
	NarrationBudget    int           `envconfig:"NARRATION_TOKEN_BUDGET" default:"2000"`
}

// GetDSN returns the PostgreSQL connection string.
func (c *Config) GetDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// LoadConfig reads the configuration from environment variables.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return &cfg, nil
}
