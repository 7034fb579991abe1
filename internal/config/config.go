// Package config loads service configuration from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds every tunable the service reads at startup.
type Config struct {
	Addr      string `env:"ADDR" envDefault:":8080"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	DB DBConfig `envPrefix:"DB_"`

	// Payment provider REST API. The secrets are required: booting with an
	// empty webhook secret would verify HMACs over an empty key, so the
	// service refuses to start without them.
	PaymentAPIBase   string `env:"PAYMENT_API_BASE" envDefault:"https://api.stripe.com/v1"`
	PaymentSecretKey string `env:"PAYMENT_SECRET_KEY,required,notEmpty"`
	// WebhookSecret signs provider webhook payloads.
	WebhookSecret string `env:"PAYMENT_WEBHOOK_SECRET,required,notEmpty"`

	// RoomSigningKey signs live-room access grants handed to the
	// external session transport.
	RoomSigningKey string        `env:"ROOM_SIGNING_KEY,required,notEmpty"`
	RoomPreroll    time.Duration `env:"ROOM_PREROLL" envDefault:"15m"`

	LiveRoomBaseURL string `env:"LIVE_ROOM_BASE_URL" envDefault:"https://live.sangha.app"`
	ArchiveBaseURL  string `env:"ARCHIVE_BASE_URL" envDefault:"https://archive.sangha.app"`
}

// DBConfig holds PostgreSQL connection settings.
type DBConfig struct {
	Host     string `env:"HOST" envDefault:"localhost"`
	Port     string `env:"PORT" envDefault:"5432"`
	User     string `env:"USER" envDefault:"postgres"`
	Password string `env:"PASSWORD" envDefault:"postgres"`
	Name     string `env:"NAME" envDefault:"sangha_events"`
	SSLMode  string `env:"SSLMODE" envDefault:"disable"`
}

// DSN builds a libpq-compatible connection string.
func (c DBConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// Load parses the configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return &cfg, nil
}
