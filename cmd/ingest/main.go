// Command ingest runs the FTL ingest control server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"ftl-ingest/internal/admin"
	"ftl-ingest/internal/config"
	"ftl-ingest/internal/events"
	"ftl-ingest/internal/ingest"
	"ftl-ingest/internal/journal"
	"ftl-ingest/internal/observability/logging"
	"ftl-ingest/internal/observability/metrics"
	"ftl-ingest/internal/serverutil"
	"ftl-ingest/internal/session"
)

const (
	defaultAddr      = ":8084"
	defaultAdminAddr = ":9090"
	adminDisabled    = "off"
)

type flagValues struct {
	configPath    string
	addr          string
	adminAddr     string
	adminCert     string
	adminKey      string
	logLevel      string
	logFormat     string
	maxConns      int64
	connRate      int
	connWindow    time.Duration
	readTimeout   time.Duration
	writeTimeout  time.Duration
	eventsDriver  string
	redisAddr     string
	redisPassword string
	redisStream   string
	journalDriver string
	journalPath   string
	postgresDSN   string

	// set holds the names of flags given on the command line, so an
	// explicit zero still overrides the environment and the file.
	set map[string]bool
}

func (fv flagValues) explicit(name string) bool {
	return fv.set[name]
}

type settings struct {
	Addr         string
	AdminAddr    string
	AdminCert    string
	AdminKey     string
	Log          logging.Config
	MaxConns     int64
	ConnRate     serverutil.RateLimitConfig
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	EventsDriver string
	Redis        events.RedisConfig
	Journal      journal.Config
	Coordinator  ingest.Config
}

func main() {
	fv, err := parseFlags(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		os.Exit(2)
	}

	file, err := config.Load(firstNonEmpty(fv.configPath, os.Getenv("FTL_CONFIG")))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg, err := resolveSettings(fv, file)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := logging.Init(cfg.Log)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, nil); err != nil {
		logger.Error("ingest server stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("ingest server stopped")
}

// parseFlags reads the command line. Flags that were set explicitly are
// recorded in flagValues.set.
func parseFlags(args []string) (flagValues, error) {
	var fv flagValues
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	fs.StringVar(&fv.configPath, "config", "", "path to a YAML configuration file")
	fs.StringVar(&fv.addr, "addr", "", "FTL control listen address (default :8084)")
	fs.StringVar(&fv.adminAddr, "admin-addr", "", "admin HTTP listen address (default :9090, \"off\" disables)")
	fs.StringVar(&fv.adminCert, "admin-tls-cert", "", "certificate file for serving the admin API over TLS")
	fs.StringVar(&fv.adminKey, "admin-tls-key", "", "key file for serving the admin API over TLS")
	fs.StringVar(&fv.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	fs.StringVar(&fv.logFormat, "log-format", "", "log format (json or text)")
	fs.Int64Var(&fv.maxConns, "max-conns", 0, "maximum concurrent FTL connections (0 is unlimited)")
	fs.IntVar(&fv.connRate, "conn-rate", 0, "new connections allowed per source host each window (0 disables)")
	fs.DurationVar(&fv.connWindow, "conn-rate-window", 0, "window for -conn-rate (default 1m)")
	fs.DurationVar(&fv.readTimeout, "read-timeout", 0, "close connections idle for this long (0 disables)")
	fs.DurationVar(&fv.writeTimeout, "write-timeout", 0, "deadline for writing one response (0 disables)")
	fs.StringVar(&fv.eventsDriver, "events-driver", "", "lifecycle event driver (memory or redis)")
	fs.StringVar(&fv.redisAddr, "redis-addr", "", "Redis address for lifecycle events")
	fs.StringVar(&fv.redisPassword, "redis-password", "", "Redis password for lifecycle events")
	fs.StringVar(&fv.redisStream, "redis-stream", "", "Redis stream key for lifecycle events")
	fs.StringVar(&fv.journalDriver, "journal-driver", "", "session journal driver (memory, bolt or postgres)")
	fs.StringVar(&fv.journalPath, "journal-path", "", "bbolt file for the bolt journal driver")
	fs.StringVar(&fv.postgresDSN, "postgres-dsn", "", "Postgres connection string for the postgres journal driver")
	if err := fs.Parse(args); err != nil {
		return flagValues{}, err
	}
	fv.set = make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		fv.set[f.Name] = true
	})
	return fv, nil
}

// resolveSettings merges flags, environment and the config file, in that
// order of precedence.
func resolveSettings(fv flagValues, file config.File) (settings, error) {
	var fileAdmin string
	if file.Listen.AdminAddr != nil {
		fileAdmin = *file.Listen.AdminAddr
		if strings.TrimSpace(fileAdmin) == "" {
			fileAdmin = adminDisabled
		}
	}

	cfg := settings{
		Addr:      firstNonEmpty(fv.addr, os.Getenv("FTL_ADDR"), file.Listen.Addr, defaultAddr),
		AdminAddr: firstNonEmpty(fv.adminAddr, os.Getenv("FTL_ADMIN_ADDR"), fileAdmin, defaultAdminAddr),
		AdminCert: firstNonEmpty(fv.adminCert, os.Getenv("FTL_ADMIN_TLS_CERT"), file.Listen.AdminCertFile),
		AdminKey:  firstNonEmpty(fv.adminKey, os.Getenv("FTL_ADMIN_TLS_KEY"), file.Listen.AdminKeyFile),
		Log: logging.Config{
			Level:  firstNonEmpty(fv.logLevel, os.Getenv("FTL_LOG_LEVEL"), file.Log.Level, "info"),
			Format: firstNonEmpty(fv.logFormat, os.Getenv("FTL_LOG_FORMAT"), file.Log.Format),
		},
		MaxConns: resolveInt64(fv.explicit("max-conns"), fv.maxConns, "FTL_MAX_CONNS", file.Listen.MaxConns),
		ConnRate: serverutil.RateLimitConfig{
			Limit:  int(resolveInt64(fv.explicit("conn-rate"), int64(fv.connRate), "FTL_CONN_RATE", int64(file.Listen.ConnRate))),
			Window: resolveDuration(fv.explicit("conn-rate-window"), fv.connWindow, "FTL_CONN_RATE_WINDOW", time.Duration(file.Listen.ConnRateWindow)),
		},
		ReadTimeout:  resolveDuration(fv.explicit("read-timeout"), fv.readTimeout, "FTL_READ_TIMEOUT", time.Duration(file.Listen.ReadTimeout)),
		WriteTimeout: resolveDuration(fv.explicit("write-timeout"), fv.writeTimeout, "FTL_WRITE_TIMEOUT", time.Duration(file.Listen.WriteTimeout)),
		EventsDriver: strings.ToLower(firstNonEmpty(fv.eventsDriver, os.Getenv("FTL_EVENTS_DRIVER"), file.Events.Driver, "memory")),
	}
	if strings.EqualFold(cfg.AdminAddr, adminDisabled) {
		cfg.AdminAddr = ""
	}

	cfg.Redis = file.Events.Redis.RedisConfig()
	cfg.Redis.Addr = firstNonEmpty(fv.redisAddr, os.Getenv("FTL_REDIS_ADDR"), cfg.Redis.Addr)
	if addrs := splitAndTrim(os.Getenv("FTL_REDIS_ADDRS")); len(addrs) > 0 {
		cfg.Redis.Addrs = addrs
	}
	cfg.Redis.Password = firstNonEmpty(fv.redisPassword, os.Getenv("FTL_REDIS_PASSWORD"), cfg.Redis.Password)
	cfg.Redis.Stream = firstNonEmpty(fv.redisStream, os.Getenv("FTL_REDIS_STREAM"), cfg.Redis.Stream)

	cfg.Journal = file.Journal.JournalConfig()
	cfg.Journal.Driver = firstNonEmpty(fv.journalDriver, os.Getenv("FTL_JOURNAL_DRIVER"), cfg.Journal.Driver, "memory")
	cfg.Journal.Path = firstNonEmpty(fv.journalPath, os.Getenv("FTL_JOURNAL_PATH"), cfg.Journal.Path)
	cfg.Journal.DSN = firstNonEmpty(fv.postgresDSN, os.Getenv("FTL_POSTGRES_DSN"), cfg.Journal.DSN)

	coordinator, err := ingest.ApplyEnv(file.Coordinator.Apply(ingest.DefaultConfig()))
	if err != nil {
		return settings{}, fmt.Errorf("coordinator config: %w", err)
	}
	cfg.Coordinator = coordinator

	if cfg.MaxConns < 0 {
		return settings{}, fmt.Errorf("max connections must not be negative")
	}
	if (cfg.AdminCert == "") != (cfg.AdminKey == "") {
		return settings{}, fmt.Errorf("admin TLS needs both a certificate and a key")
	}
	if cfg.ConnRate.Limit < 0 || cfg.ConnRate.Window < 0 {
		return settings{}, fmt.Errorf("connection rate must not be negative")
	}
	return cfg, nil
}

// run serves until ctx is cancelled or a server fails. ready, when non-nil,
// receives the FTL listen address.
func run(ctx context.Context, cfg settings, logger *slog.Logger, ready chan<- net.Addr) error {
	recorder := metrics.Default()

	cfg.Coordinator.Logger = logging.WithComponent(logger, "coordinator")
	coordinator, err := cfg.Coordinator.NewHTTPCoordinator()
	if err != nil {
		return fmt.Errorf("configure coordinator: %w", err)
	}

	publisher, err := configureEvents(cfg.EventsDriver, cfg.Redis, logger)
	if err != nil {
		return fmt.Errorf("configure events: %w", err)
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Warn("failed to close event publisher", "error", err)
		}
	}()

	cfg.Journal.Logger = logging.WithComponent(logger, "journal")
	store, err := journal.Open(ctx, cfg.Journal)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Close(closeCtx); err != nil {
			logger.Warn("failed to close journal", "error", err)
		}
	}()

	registry := session.NewRegistry()
	supervisor := session.NewSupervisor(session.Options{
		Coordinator:  coordinator,
		Logger:       logger,
		Metrics:      recorder,
		Events:       publisher,
		Registry:     registry,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}, store)

	tcp, err := serverutil.NewTCPServer(serverutil.TCPConfig{
		Addr:      cfg.Addr,
		MaxConns:  cfg.MaxConns,
		RateLimit: cfg.ConnRate,
		Ready:     ready,
		Logger:    logging.WithComponent(logger, "listener"),
		Handler: func(ctx context.Context, conn net.Conn) {
			supervisor.Serve(ctx, conn)
		},
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return tcp.Serve(gctx)
	})
	if cfg.AdminAddr != "" {
		handler := admin.NewHandler(admin.Config{
			Registry: registry,
			Journal:  store,
			Events:   publisher,
			Metrics:  recorder,
			Listener: tcp.Stats,
			Logger:   logger,
		})
		g.Go(func() error {
			return serverutil.Run(gctx, serverutil.Config{
				Server: &http.Server{
					Addr:              cfg.AdminAddr,
					Handler:           handler,
					ReadHeaderTimeout: 5 * time.Second,
				},
				CertFile: cfg.AdminCert,
				KeyFile:  cfg.AdminKey,
				Logger:   logging.WithComponent(logger, "admin"),
			})
		})
	}
	logger.Info("ftl ingest starting",
		"addr", cfg.Addr,
		"admin_addr", cfg.AdminAddr,
		"events_driver", cfg.EventsDriver,
		"journal_driver", cfg.Journal.Driver,
		"allocator_url", cfg.Coordinator.AllocatorURL)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func configureEvents(driver string, cfg events.RedisConfig, logger *slog.Logger) (events.Publisher, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	switch driver {
	case "redis":
		if len(cfg.Addrs) == 0 && strings.TrimSpace(cfg.Addr) == "" {
			return nil, fmt.Errorf("redis addr is required for lifecycle events")
		}
		cfg.Logger = logging.WithComponent(logger, "events")
		publisher, err := events.NewRedisPublisher(cfg)
		if err != nil {
			return nil, err
		}
		return publisher, nil
	case "", "memory":
		return events.NewMemoryPublisher(128), nil
	default:
		return nil, fmt.Errorf("unsupported events driver %q", driver)
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// resolveInt64 prefers the flag when it was set explicitly or is positive,
// then the environment, then fallback.
func resolveInt64(explicit bool, flagValue int64, envKey string, fallback int64) int64 {
	if explicit || flagValue > 0 {
		return flagValue
	}
	if env := strings.TrimSpace(os.Getenv(envKey)); env != "" {
		if value, err := strconv.ParseInt(env, 10, 64); err == nil {
			return value
		}
	}
	return fallback
}

func resolveDuration(explicit bool, flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if explicit || flagValue > 0 {
		return flagValue
	}
	if env := strings.TrimSpace(os.Getenv(envKey)); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	return fallback
}
