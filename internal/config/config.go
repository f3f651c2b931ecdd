// Package config loads the optional YAML configuration file. Values from the
// file sit beneath environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"ftl-ingest/internal/events"
	"ftl-ingest/internal/ingest"
	"ftl-ingest/internal/journal"
)

// Duration is a time.Duration written as a Go duration string ("5s").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// File mirrors the YAML document.
type File struct {
	Listen      Listen      `yaml:"listen"`
	Log         Log         `yaml:"log"`
	Coordinator Coordinator `yaml:"coordinator"`
	Events      Events      `yaml:"events"`
	Journal     Journal     `yaml:"journal"`
}

type Listen struct {
	Addr string `yaml:"addr"`
	// AdminAddr is a pointer so that an explicit "" can disable the admin
	// server.
	AdminAddr *string `yaml:"adminAddr"`
	// AdminCertFile and AdminKeyFile serve the admin API over TLS.
	AdminCertFile string   `yaml:"adminCertFile"`
	AdminKeyFile  string   `yaml:"adminKeyFile"`
	MaxConns      int64    `yaml:"maxConns"`
	ReadTimeout   Duration `yaml:"readTimeout"`
	WriteTimeout  Duration `yaml:"writeTimeout"`
	// ConnRate limits new connections per source host over ConnRateWindow.
	ConnRate       int      `yaml:"connRate"`
	ConnRateWindow Duration `yaml:"connRateWindow"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Coordinator struct {
	AllocatorURL  string   `yaml:"allocatorUrl"`
	AuthorityURL  string   `yaml:"authorityUrl"`
	MaxAttempts   int      `yaml:"maxAttempts"`
	RetryInterval Duration `yaml:"retryInterval"`
	Timeout       Duration `yaml:"timeout"`
}

type Events struct {
	Driver string `yaml:"driver"`
	Redis  Redis  `yaml:"redis"`
}

type Redis struct {
	Addr       string   `yaml:"addr"`
	Addrs      []string `yaml:"addrs"`
	Username   string   `yaml:"username"`
	Password   string   `yaml:"password"`
	Stream     string   `yaml:"stream"`
	Group      string   `yaml:"group"`
	MaxLen     int64    `yaml:"maxLen"`
	MasterName string   `yaml:"masterName"`
	PoolSize   int      `yaml:"poolSize"`
	TLS        RedisTLS `yaml:"tls"`
}

type RedisTLS struct {
	CAFile             string `yaml:"caFile"`
	CertFile           string `yaml:"certFile"`
	KeyFile            string `yaml:"keyFile"`
	ServerName         string `yaml:"serverName"`
	InsecureSkipVerify bool   `yaml:"insecureSkipVerify"`
}

type Journal struct {
	Driver   string   `yaml:"driver"`
	Path     string   `yaml:"path"`
	DSN      string   `yaml:"dsn"`
	Capacity int      `yaml:"capacity"`
	Timeout  Duration `yaml:"timeout"`
}

// Load reads and validates the file at path. An empty path yields an empty
// File.
func Load(path string) (File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return File{}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return File{}, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	cfg, err := Parse(f)
	if err != nil {
		return File{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a YAML document. Unknown keys are rejected.
func Parse(r io.Reader) (File, error) {
	var cfg File
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return File{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return File{}, err
	}
	return cfg, nil
}

// Validate checks values that can be judged without the rest of the
// process configuration.
func (f File) Validate() error {
	if f.Listen.MaxConns < 0 {
		return fmt.Errorf("listen.maxConns must not be negative")
	}
	if f.Listen.ReadTimeout < 0 || f.Listen.WriteTimeout < 0 {
		return fmt.Errorf("listen timeouts must not be negative")
	}
	if (f.Listen.AdminCertFile == "") != (f.Listen.AdminKeyFile == "") {
		return fmt.Errorf("listen.adminCertFile and listen.adminKeyFile must be set together")
	}
	if f.Listen.ConnRate < 0 || f.Listen.ConnRateWindow < 0 {
		return fmt.Errorf("listen connection rate must not be negative")
	}
	if f.Coordinator.MaxAttempts < 0 {
		return fmt.Errorf("coordinator.maxAttempts must not be negative")
	}
	if f.Coordinator.RetryInterval < 0 || f.Coordinator.Timeout < 0 {
		return fmt.Errorf("coordinator durations must not be negative")
	}
	switch strings.ToLower(strings.TrimSpace(f.Events.Driver)) {
	case "", "memory", "redis":
	default:
		return fmt.Errorf("unsupported events driver %q", f.Events.Driver)
	}
	switch strings.ToLower(strings.TrimSpace(f.Journal.Driver)) {
	case "", "memory", "bolt", "bbolt", "postgres", "postgresql":
	default:
		return fmt.Errorf("unsupported journal driver %q", f.Journal.Driver)
	}
	if f.Journal.Capacity < 0 {
		return fmt.Errorf("journal.capacity must not be negative")
	}
	return nil
}

// Apply overlays the non-zero coordinator settings onto cfg.
func (c Coordinator) Apply(cfg ingest.Config) ingest.Config {
	if v := strings.TrimSpace(c.AllocatorURL); v != "" {
		cfg.AllocatorURL = v
	}
	if v := strings.TrimSpace(c.AuthorityURL); v != "" {
		cfg.AuthorityURL = v
	}
	if c.MaxAttempts > 0 {
		cfg.HTTPMaxAttempts = c.MaxAttempts
	}
	if c.RetryInterval > 0 {
		cfg.HTTPRetryInterval = time.Duration(c.RetryInterval)
	}
	if c.Timeout > 0 {
		cfg.Timeout = time.Duration(c.Timeout)
	}
	return cfg
}

// RedisConfig converts the file settings into an events.RedisConfig.
func (r Redis) RedisConfig() events.RedisConfig {
	return events.RedisConfig{
		Addr:       r.Addr,
		Addrs:      r.Addrs,
		Username:   r.Username,
		Password:   r.Password,
		Stream:     r.Stream,
		Group:      r.Group,
		MaxLen:     r.MaxLen,
		MasterName: r.MasterName,
		PoolSize:   r.PoolSize,
		TLS: events.RedisTLSConfig{
			CAFile:             r.TLS.CAFile,
			CertFile:           r.TLS.CertFile,
			KeyFile:            r.TLS.KeyFile,
			ServerName:         r.TLS.ServerName,
			InsecureSkipVerify: r.TLS.InsecureSkipVerify,
		},
	}
}

// JournalConfig converts the file settings into a journal.Config.
func (j Journal) JournalConfig() journal.Config {
	return journal.Config{
		Driver:   j.Driver,
		Path:     j.Path,
		DSN:      j.DSN,
		Capacity: j.Capacity,
		Timeout:  time.Duration(j.Timeout),
	}
}
