package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all configuration required by callkitd.
// All values come from env (optionally seeded from an env file).
// No business logic should depend on raw environment variables.
type Config struct {
	App    AppConfig    `envPrefix:"APP_"`
	Store  StoreConfig  `envPrefix:"STORE_"`
	Redis  RedisConfig  `envPrefix:"REDIS_"`
	DB     DBConfig     `envPrefix:"DB_"`
	Auth   AuthConfig   `envPrefix:"JWT_"`
	Engine EngineConfig `envPrefix:"ENGINE_"`
}

type AppConfig struct {
	Env      string `env:"ENV" envDefault:"local"`
	Port     int    `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL"`
}

// StoreConfig selects where persisted call state and queued events live.
type StoreConfig struct {
	// Backend is one of file, redis, memory.
	Backend string `env:"BACKEND" envDefault:"file"`
	Dir     string `env:"DIR" envDefault:"./data"`
	// RedisPrefix namespaces blob keys when Backend is redis.
	RedisPrefix string `env:"REDIS_PREFIX" envDefault:"callkit:blob:"`
}

type RedisConfig struct {
	Host     string `env:"HOST"`
	Port     int    `env:"PORT" envDefault:"6379"`
	Password string `env:"PASSWORD"`
}

// DBConfig enables Postgres call history when Host is set.
type DBConfig struct {
	Host     string `env:"HOST"`
	Port     int    `env:"PORT" envDefault:"5432"`
	User     string `env:"USER"`
	Password string `env:"PASSWORD"`
	Name     string `env:"NAME"`

	// SSLMode accepts: disable, require, verify-ca, verify-full
	SSLMode string `env:"SSLMODE"`
}

type AuthConfig struct {
	Secret   string        `env:"SECRET"`
	Issuer   string        `env:"ISSUER" envDefault:"callkitd"`
	Audience string        `env:"AUDIENCE"`
	TokenTTL time.Duration `env:"TOKEN_TTL" envDefault:"24h"`
}

type EngineConfig struct {
	RingTimeout    time.Duration `env:"RING_TIMEOUT" envDefault:"30s"`
	QueueTTL       time.Duration `env:"QUEUE_TTL" envDefault:"30s"`
	FlushInterval  time.Duration `env:"FLUSH_INTERVAL" envDefault:"500ms"`
	FlushDebounce  time.Duration `env:"FLUSH_DEBOUNCE" envDefault:"100ms"`
	RetryAttempts  int           `env:"RETRY_ATTEMPTS" envDefault:"3"`
	RetryBaseDelay time.Duration `env:"RETRY_BASE_DELAY" envDefault:"1s"`
}

// LoadEnv loads ENV_FILE (or .env) into the process environment. A missing
// default .env is not an error.
func LoadEnv() error {
	if f := strings.TrimSpace(os.Getenv("ENV_FILE")); f != "" {
		return godotenv.Load(f)
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks every section and fills environment-dependent defaults.
// All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if !validPort(c.App.Port) {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	switch c.Store.Backend {
	case "file":
		if strings.TrimSpace(c.Store.Dir) == "" {
			errs = append(errs, errors.New("STORE_DIR is required for the file backend"))
		}
	case "redis":
		if c.Redis.Host == "" {
			errs = append(errs, errors.New("REDIS_HOST is required for the redis backend"))
		}
	case "memory":
		if c.IsProduction() {
			errs = append(errs, errors.New("STORE_BACKEND=memory is not allowed in production"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORE_BACKEND must be one of file, redis, memory, got %q", c.Store.Backend))
	}
	if c.Redis.Host != "" && !validPort(c.Redis.Port) {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.HistoryEnabled() {
		if !validPort(c.DB.Port) {
			errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
		}
		if c.DB.User == "" {
			errs = append(errs, errors.New("DB_USER is required when DB_HOST is set"))
		}
		if c.DB.Name == "" {
			errs = append(errs, errors.New("DB_NAME is required when DB_HOST is set"))
		}
		if strings.TrimSpace(c.DB.SSLMode) == "" {
			if c.IsProduction() {
				errs = append(errs, errors.New("DB_SSLMODE is required in production"))
			} else {
				c.DB.SSLMode = "disable"
			}
		}
		if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
			errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
		}
	}

	if c.Auth.Secret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() && c.Auth.Audience == "" {
		errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
	}
	if c.Auth.TokenTTL <= 0 {
		errs = append(errs, errors.New("JWT_TOKEN_TTL must be positive"))
	}

	e := c.Engine
	if e.RingTimeout <= 0 || e.QueueTTL <= 0 || e.FlushInterval <= 0 || e.FlushDebounce <= 0 || e.RetryBaseDelay <= 0 {
		errs = append(errs, errors.New("ENGINE_* durations must be positive"))
	}
	if e.RetryAttempts < 1 {
		errs = append(errs, fmt.Errorf("ENGINE_RETRY_ATTEMPTS must be at least 1, got %d", e.RetryAttempts))
	}
	if e.FlushDebounce >= e.FlushInterval {
		errs = append(errs, errors.New("ENGINE_FLUSH_DEBOUNCE must be shorter than ENGINE_FLUSH_INTERVAL"))
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

// HistoryEnabled reports whether Postgres call history is configured.
func (c Config) HistoryEnabled() bool {
	return c.DB.Host != ""
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func validPort(p int) bool { return p > 0 && p <= 65535 }

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
