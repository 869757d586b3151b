package channel

import (
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/airlock-go/auth"
	"github.com/joeshaw/envdecode"
)

// Config holds the settings of a client that can come from the environment.
type Config struct {
	// Endpoint like "http://localhost:8080". ENV: AIRLOCK_URL
	Endpoint string `env:"AIRLOCK_URL,default=http://localhost:8080"`
	// Code is the access code used to log in. ENV: AIRLOCK_CODE
	Code string `env:"AIRLOCK_CODE"`
	// Ship overrides the ship reported at login. ENV: AIRLOCK_SHIP
	Ship string `env:"AIRLOCK_SHIP"`
	// Debounce before a write batch is sent. ENV: AIRLOCK_DEBOUNCE
	Debounce time.Duration `env:"AIRLOCK_DEBOUNCE,default=500ms"`
	// MaxWriteAttempts before a failing batch ends the session. ENV: AIRLOCK_MAX_WRITE_ATTEMPTS
	MaxWriteAttempts int `env:"AIRLOCK_MAX_WRITE_ATTEMPTS,default=10"`
	// MaxReconnectAttempts before a failing stream ends the session. ENV: AIRLOCK_MAX_RECONNECT_ATTEMPTS
	MaxReconnectAttempts int `env:"AIRLOCK_MAX_RECONNECT_ATTEMPTS,default=8"`
}

// ConfigFromEnv decodes a Config from the environment.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode env: %w", err)
	}
	return cfg, nil
}

// Options translates the config into client options. Extra options are
// applied after, so they take precedence.
func (cfg Config) Options(extra ...Option) []Option {
	var opts []Option
	if cfg.Code != "" {
		opts = append(opts, WithAuthenticator(auth.PasswordAuthenticator(cfg.Endpoint, cfg.Code)))
	}
	if cfg.Ship != "" {
		opts = append(opts, WithShip(cfg.Ship))
	}
	if cfg.Debounce > 0 {
		opts = append(opts, WithDebounce(cfg.Debounce))
	}
	if cfg.MaxWriteAttempts > 0 {
		opts = append(opts, WithWriteRetry(cfg.MaxWriteAttempts, 30*time.Second))
	}
	if cfg.MaxReconnectAttempts > 0 {
		opts = append(opts, WithReconnect(cfg.MaxReconnectAttempts, 250*time.Millisecond, 15*time.Second))
	}
	return append(opts, extra...)
}
