package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`

	DatabaseDriver   string        `env:"DATABASE_DRIVER" envDefault:"sqlite3"`
	DatabaseURL      string        `env:"DATABASE_URL" envDefault:"npchat.db"`
	DatabaseMaxConns int           `env:"DATABASE_MAX_CONNS" envDefault:"5"`
	DatabaseTimeout  time.Duration `env:"DATABASE_TIMEOUT" envDefault:"5s"`

	SessionTTL      time.Duration `env:"SESSION_TTL" envDefault:"720h"`
	VerificationTTL time.Duration `env:"VERIFICATION_TTL" envDefault:"15m"`
	CookieSecret    string        `env:"COOKIE_SECRET,required,notEmpty"`

	SMTPHost     string `env:"SMTP_HOST"`
	SMTPPort     string `env:"SMTP_PORT" envDefault:"587"`
	SMTPUsername string `env:"SMTP_USERNAME"`
	SMTPPassword string `env:"SMTP_PASSWORD"`
	SMTPFrom     string `env:"SMTP_FROM" envDefault:"no-reply@npchat.local"`

	CallRetention     time.Duration `env:"CALL_RETENTION" envDefault:"24h"`
	CallSweepInterval time.Duration `env:"CALL_SWEEP_INTERVAL" envDefault:"10m"`
	CallValidateSDP   bool          `env:"CALL_VALIDATE_SDP" envDefault:"false"`

	ListenerTimeout time.Duration `env:"LISTENER_TIMEOUT" envDefault:"250ms"`
	ListenerBuffer  int           `env:"LISTENER_BUFFER" envDefault:"256"`

	SnowflakeNode int64 `env:"SNOWFLAKE_NODE" envDefault:"1"`

	LogLevel string `env:"LOG_LEVEL"`
	LogDev   bool   `env:"LOG_DEV"`
}

// Load reads a .env file if one is present and then parses the process
// environment into a Config.
func Load() (Config, error) {
	// best-effort: a missing .env is fine
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.DatabaseDriver != "sqlite3" && cfg.DatabaseDriver != "postgres" {
		return Config{}, fmt.Errorf("unsupported DATABASE_DRIVER %q", cfg.DatabaseDriver)
	}
	return cfg, nil
}
