// Command chatserver runs the TCP chat server: it loads configuration,
// opens storage, wires the registry and metrics, and serves connections
// until a termination signal arrives.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"chatserver/internal/config"
	"chatserver/internal/metrics"
	"chatserver/internal/registry"
	"chatserver/internal/server"
	"chatserver/internal/storage"
)

func main() {
	if err := run(); err != nil {
		zerolog.New(os.Stderr).With().Timestamp().Logger().Fatal().Err(err).Msg("chatserver exited")
	}
}

func run() error {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

	cfg, err := config.Load(os.Args[1:], &log)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if level, perr := zerolog.ParseLevel(cfg.LogLevel); perr == nil {
		log = log.Level(level)
	}

	dbConfig := storage.DefaultConfig(cfg.DB)
	store, err := storage.NewManager(dbConfig)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("storage close error")
		}
	}()

	reg := registry.New()
	m := metrics.New()
	srv := server.New(store, reg, m, log)
	srv.IdleTimeout = time.Duration(cfg.IdleTimeoutSeconds) * time.Second
	srv.RateLimitMax = cfg.RateLimitMax
	srv.RateLimitWindow = time.Duration(cfg.RateLimitWindowSeconds * float64(time.Second))

	var tlsConfig *tls.Config
	if !cfg.NoTLS {
		cert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
		if err != nil {
			return fmt.Errorf("load tls keypair: %w", err)
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	}

	ln, err := server.NewListener(srv, server.ListenConfig{
		Host:          cfg.Host,
		Port:          cfg.Port,
		ListenBacklog: cfg.ListenBacklog,
		TLSConfig:     tlsConfig,
	}, log)
	if err != nil {
		return fmt.Errorf("bind listener: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(m.Registerer(), promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics listener starting")
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("metrics listener error")
			}
		}()
	}

	if cfg.SessionPruneIntervalMinutes > 0 {
		go runSessionPruner(ctx, store, time.Duration(cfg.SessionPruneIntervalMinutes)*time.Minute, log)
	}

	serveDone := make(chan error, 1)
	go func() {
		log.Info().Str("addr", ln.Addr().String()).Bool("tls", tlsConfig != nil).Msg("chatserver listening")
		serveDone <- ln.Serve(ctx)
	}()

	select {
	case err := <-serveDone:
		if err != nil {
			return fmt.Errorf("listener error: %w", err)
		}
		return nil
	case sig := <-signalCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		// Serve unblocks once cancel() closes the listener and every live
		// connection (internal/server.Listener.Serve); waiting for it here
		// is what lets each connection's normal cleanup path (user_left,
		// status_change=offline) run before the process exits.
		select {
		case err := <-serveDone:
			if err != nil {
				log.Error().Err(err).Msg("listener shutdown error")
			}
		case <-shutdownCtx.Done():
			log.Warn().Msg("timed out waiting for connections to drain")
		}

		if metricsServer != nil {
			_ = metricsServer.Shutdown(shutdownCtx)
		}
		return nil
	}
}

// runSessionPruner periodically deletes expired sessions. This is the
// optional sweep from the open-question resolution in DESIGN.md: no
// correctness path depends on it, since ValidateSession already rejects
// expired tokens on its own.
func runSessionPruner(ctx context.Context, store *storage.Manager, interval time.Duration, log zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.PruneExpiredSessions(ctx)
			if err != nil {
				log.Error().Err(err).Msg("session prune failed")
				continue
			}
			if n > 0 {
				log.Debug().Int64("pruned", n).Msg("expired sessions pruned")
			}
		}
	}
}
