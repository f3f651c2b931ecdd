package ingest

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// DefaultAllocatorURL is used when WEBRTC_SERVER_URL is unset.
	DefaultAllocatorURL = "http://localhost:8080"
	// DefaultAuthorityURL is used when FTL_AUTHORITY_URL is unset.
	DefaultAuthorityURL = "wss://meow.com/stream/auth"
	// DefaultTimeout bounds each external call.
	DefaultTimeout = 5 * time.Second
)

// Config stores connectivity information for the external services.
type Config struct {
	AllocatorURL      string
	AuthorityURL      string
	HTTPClient        *http.Client
	Dialer            *websocket.Dialer
	HTTPMaxAttempts   int
	HTTPRetryInterval time.Duration
	Timeout           time.Duration
	Logger            *slog.Logger
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		AllocatorURL:    DefaultAllocatorURL,
		AuthorityURL:    DefaultAuthorityURL,
		HTTPMaxAttempts: 1,
		Timeout:         DefaultTimeout,
	}
}

// LoadConfigFromEnv initialises a Config from environment variables.
func LoadConfigFromEnv() (Config, error) {
	return ApplyEnv(DefaultConfig())
}

// envOverrides map environment variables onto Config fields. Values that
// parse but are out of range are ignored.
var envOverrides = []struct {
	key   string
	apply func(cfg *Config, value string) error
}{
	{"WEBRTC_SERVER_URL", func(cfg *Config, value string) error {
		cfg.AllocatorURL = value
		return nil
	}},
	{"FTL_AUTHORITY_URL", func(cfg *Config, value string) error {
		cfg.AuthorityURL = value
		return nil
	}},
	{"FTL_HTTP_MAX_ATTEMPTS", func(cfg *Config, value string) error {
		parsed, err := strconv.Atoi(value)
		if err == nil && parsed > 0 {
			cfg.HTTPMaxAttempts = parsed
		}
		return err
	}},
	{"FTL_HTTP_RETRY_INTERVAL", func(cfg *Config, value string) error {
		parsed, err := time.ParseDuration(value)
		if err == nil && parsed >= 0 {
			cfg.HTTPRetryInterval = parsed
		}
		return err
	}},
	{"FTL_EXTERNAL_TIMEOUT", func(cfg *Config, value string) error {
		parsed, err := time.ParseDuration(value)
		if err == nil && parsed > 0 {
			cfg.Timeout = parsed
		}
		return err
	}},
}

// ApplyEnv overlays the FTL_* and WEBRTC_SERVER_URL variables onto cfg and
// validates the result.
func ApplyEnv(cfg Config) (Config, error) {
	for _, override := range envOverrides {
		value := strings.TrimSpace(os.Getenv(override.key))
		if value == "" {
			continue
		}
		if err := override.apply(&cfg, value); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", override.key, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate ensures the configuration is usable.
func (c Config) Validate() error {
	if err := validateURL("allocator", c.AllocatorURL, "http", "https"); err != nil {
		return err
	}
	if err := validateURL("authority", c.AuthorityURL, "ws", "wss"); err != nil {
		return err
	}
	if c.HTTPMaxAttempts <= 0 {
		return errors.New("HTTP max attempts must be positive")
	}
	if c.HTTPRetryInterval < 0 {
		return errors.New("HTTP retry interval cannot be negative")
	}
	if c.Timeout < 0 {
		return errors.New("external timeout cannot be negative")
	}
	return nil
}

func validateURL(name, raw string, schemes ...string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("%s URL is required", name)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse %s URL: %w", name, err)
	}
	for _, scheme := range schemes {
		if strings.EqualFold(parsed.Scheme, scheme) {
			if parsed.Host == "" {
				return fmt.Errorf("%s URL %q has no host", name, raw)
			}
			return nil
		}
	}
	return fmt.Errorf("%s URL %q must use one of %s", name, raw, strings.Join(schemes, ", "))
}

// NewHTTPCoordinator constructs a Coordinator backed by the allocator HTTP
// API and the authority WebSocket endpoint.
func (c Config) NewHTTPCoordinator() (*HTTPCoordinator, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := c.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	dialer := c.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &HTTPCoordinator{
		allocator: newHTTPAllocator(c.AllocatorURL, client, logger, c.HTTPMaxAttempts, c.HTTPRetryInterval),
		authority: newWSAuthority(c.AuthorityURL, dialer, logger),
		timeout:   c.Timeout,
	}, nil
}
