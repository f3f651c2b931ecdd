// Package serverutil runs the process listeners: the raw TCP accept loop for
// FTL control connections and the admin HTTP server.
package serverutil

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// DefaultShutdownTimeout bounds graceful HTTP shutdown.
const DefaultShutdownTimeout = 10 * time.Second

// Config controls an HTTP server run by Run.
type Config struct {
	Server *http.Server
	// Listener is served instead of listening on Server.Addr when set.
	Listener net.Listener
	// CertFile and KeyFile enable TLS when both are set.
	CertFile        string
	KeyFile         string
	ShutdownTimeout time.Duration
	// Ready receives the bound address once the server accepts requests.
	Ready  chan<- net.Addr
	Logger *slog.Logger
}

func (c Config) tlsEnabled() bool { return c.CertFile != "" }

// Run serves HTTP until ctx is cancelled or serving fails. Request contexts
// derive from ctx, so long-lived handlers such as event streams observe
// shutdown. Connections still open after ShutdownTimeout are closed.
func Run(ctx context.Context, cfg Config) error {
	if cfg.Server == nil {
		return fmt.Errorf("server is required")
	}
	if (cfg.CertFile == "") != (cfg.KeyFile == "") {
		return fmt.Errorf("both TLS cert file and key file must be provided")
	}
	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ln, err := listenHTTP(cfg)
	if err != nil {
		return err
	}
	srv := cfg.Server
	if srv.BaseContext == nil {
		srv.BaseContext = func(net.Listener) context.Context { return ctx }
	}

	if cfg.Ready != nil {
		select {
		case cfg.Ready <- ln.Addr():
		case <-ctx.Done():
		}
	}
	logger.Info("http server listening", "addr", ln.Addr().String(), "tls", cfg.tlsEnabled())

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		return ignoreClosed(err)
	case <-ctx.Done():
	}
	logger.Info("http server shutting down", "addr", ln.Addr().String())

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		_ = srv.Close()
		<-serveErr
		return fmt.Errorf("http shutdown: %w", err)
	}
	return ignoreClosed(<-serveErr)
}

func listenHTTP(cfg Config) (net.Listener, error) {
	ln := cfg.Listener
	if ln == nil {
		var err error
		if ln, err = net.Listen("tcp", cfg.Server.Addr); err != nil {
			return nil, err
		}
	}
	if !cfg.tlsEnabled() {
		return ln, nil
	}
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("load tls key pair: %w", err)
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.Server.TLSConfig != nil {
		tlsCfg = cfg.Server.TLSConfig.Clone()
	}
	tlsCfg.Certificates = append([]tls.Certificate{cert}, tlsCfg.Certificates...)
	cfg.Server.TLSConfig = tlsCfg
	return tls.NewListener(ln, tlsCfg), nil
}

func ignoreClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
