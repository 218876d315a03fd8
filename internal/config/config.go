package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
)

type Config struct {
	Port          string `envconfig:"PORT" default:"8080"`
	AllowedOrigin string `envconfig:"ALLOWED_ORIGIN" default:"http://127.0.0.1:3000"`
	DatabaseURL   string `envconfig:"DATABASE_URL"`

	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
	RedisPrefix   string `envconfig:"REDIS_PREFIX" default:"basil:"`

	AuthSecret            string        `envconfig:"AUTH_SECRET"`
	AccessTokenTTLMinutes int           `envconfig:"ACCESS_TOKEN_TTL_MINUTES" default:"480"`
	OTPTTL                time.Duration `envconfig:"OTP_TTL" default:"5m"`
	OTPMaxAttempts        int           `envconfig:"OTP_MAX_ATTEMPTS" default:"5"`
	GoogleClientID        string        `envconfig:"GOOGLE_CLIENT_ID"`

	LogFormat string `envconfig:"LOG_FORMAT" default:"console"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
}

// Load reads the process environment. Secrets have no defaults; callers
// decide whether an empty one is fatal.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, errors.Wrap(err, "config: read environment")
	}
	cfg.AuthSecret = strings.TrimSpace(cfg.AuthSecret)
	cfg.GoogleClientID = strings.TrimSpace(cfg.GoogleClientID)
	if cfg.AccessTokenTTLMinutes < 1 {
		cfg.AccessTokenTTLMinutes = 480
	}
	return cfg, nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLMinutes) * time.Minute
}

// ClientConfig drives the basil command line client. Without REDIS_ADDR the
// session lives only as long as the process.
type ClientConfig struct {
	APIURL string `envconfig:"BASIL_API_URL" default:"http://127.0.0.1:8080"`

	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
	RedisPrefix   string `envconfig:"REDIS_PREFIX" default:"basil:"`

	LogFormat string `envconfig:"LOG_FORMAT" default:"console"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"warn"`
}

func LoadClient() (ClientConfig, error) {
	var cfg ClientConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return ClientConfig{}, errors.Wrap(err, "config: read environment")
	}
	cfg.APIURL = strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/")
	return cfg, nil
}
