package config

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App struct {
		Name string `envconfig:"APP_NAME" default:"gigflow"`
		Port int    `envconfig:"PORT" default:"8080"`
	}

	DB struct {
		Host        string        `envconfig:"DB_HOST" default:"localhost"`
		Port        int           `envconfig:"DB_PORT" default:"5432"`
		User        string        `envconfig:"DB_USER" default:"postgres"`
		Password    string        `envconfig:"DB_PASSWORD" default:""`
		Name        string        `envconfig:"DB_NAME" default:"gigflow"`
		MaxOpen     int           `envconfig:"DB_MAX_OPEN_CONNS" default:"20"`
		MaxIdle     int           `envconfig:"DB_MAX_IDLE_CONNS" default:"5"`
		MaxLifetime time.Duration `envconfig:"DB_CONN_MAX_LIFETIME" default:"30m"`
	}

	Server struct {
		Timeout         time.Duration `envconfig:"SERVER_TIMEOUT" default:"30s"`
		ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"15s"`
	}

	Auth struct {
		JWTSecret          string   `envconfig:"AUTH_JWT_SECRET" required:"true"`
		CORSAllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"http://localhost:3000"`
	}

	Payments struct {
		WebhookSecret      string        `envconfig:"PAYMENTS_WEBHOOK_SECRET" required:"true"`
		SignatureTolerance time.Duration `envconfig:"PAYMENTS_SIGNATURE_TOLERANCE" default:"5m"`
		MercadoPagoToken   string        `envconfig:"MERCADOPAGO_ACCESS_TOKEN"`
		Sandbox            bool          `envconfig:"PAYMENTS_SANDBOX" default:"false"`
		SystemActorID      uuid.UUID     `envconfig:"SYSTEM_ACTOR_ID" default:"00000000-0000-0000-0000-000000000001"`
		ConflictRetries    uint          `envconfig:"PAYMENTS_CONFLICT_RETRIES" default:"4"`
	}

	SideEffects struct {
		Workers     int    `envconfig:"SIDE_EFFECTS_WORKERS" default:"4"`
		QueueSize   int    `envconfig:"SIDE_EFFECTS_QUEUE_SIZE" default:"256"`
		MaxAttempts uint   `envconfig:"SIDE_EFFECTS_MAX_ATTEMPTS" default:"5"`
		Locale      string `envconfig:"SIDE_EFFECTS_LOCALE" default:"en"`
	}

	Telemetry struct {
		Endpoint string `envconfig:"OTEL_ENDPOINT"`
	}
}

func (c *Config) ConnectionString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.DB.User, c.DB.Password, c.DB.Host, c.DB.Port, c.DB.Name)
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}

	if !cfg.Payments.Sandbox && cfg.Payments.MercadoPagoToken == "" {
		return nil, fmt.Errorf("MERCADOPAGO_ACCESS_TOKEN is required unless PAYMENTS_SANDBOX is set")
	}

	return &cfg, nil
}
