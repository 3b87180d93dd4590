package bridge

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
)

// Config stores connectivity information for the external mixer.
type Config struct {
	MixerBaseURL   string
	MixerToken     string
	HealthEndpoint string
	CallTimeout    time.Duration
	HTTPClient     *http.Client
}

// LoadConfigFromEnv initialises a Config from environment variables.
func LoadConfigFromEnv() (Config, error) {
	cfg := Config{
		MixerBaseURL:   strings.TrimSpace(os.Getenv("SPORTSCAST_MIXER_API")),
		MixerToken:     strings.TrimSpace(os.Getenv("SPORTSCAST_MIXER_TOKEN")),
		HealthEndpoint: strings.TrimSpace(os.Getenv("SPORTSCAST_MIXER_HEALTH")),
		CallTimeout:    8 * time.Second,
	}

	if timeout := strings.TrimSpace(os.Getenv("SPORTSCAST_MIXER_TIMEOUT")); timeout != "" {
		parsed, err := time.ParseDuration(timeout)
		if err != nil {
			return Config{}, fmt.Errorf("parse SPORTSCAST_MIXER_TIMEOUT: %w", err)
		}
		if parsed > 0 {
			cfg.CallTimeout = parsed
		}
	}

	if cfg.HealthEndpoint == "" {
		cfg.HealthEndpoint = "/healthz"
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Enabled reports whether enough configuration has been provided to talk to
// an external mixer.
func (c Config) Enabled() bool {
	return c.MixerBaseURL != "" && len(c.missingRequiredFields()) == 0
}

// Validate ensures the configuration is usable.
func (c Config) Validate() error {
	if c.MixerBaseURL == "" && c.MixerToken == "" {
		return nil
	}
	if missing := c.missingRequiredFields(); len(missing) > 0 {
		return fmt.Errorf("missing mixer configuration: %s", strings.Join(missing, ", "))
	}
	if c.CallTimeout <= 0 {
		return errors.New("mixer call timeout must be positive")
	}
	return nil
}

func (c Config) missingRequiredFields() []string {
	missing := make([]string, 0, 2)
	if c.MixerBaseURL == "" {
		missing = append(missing, "SPORTSCAST_MIXER_API")
	}
	if c.MixerToken == "" {
		missing = append(missing, "SPORTSCAST_MIXER_TOKEN")
	}
	return missing
}

// NewHTTPClient constructs a Client backed by the mixer's REST API.
func (c Config) NewHTTPClient() (*HTTPClient, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	client := &HTTPClient{config: c}
	if client.config.HTTPClient == nil {
		client.config.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	client.logger = slog.Default()
	return client, nil
}
