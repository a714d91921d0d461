package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/synqronlabs/mailsink"
	"github.com/synqronlabs/mailsink/internal/config"
	"github.com/synqronlabs/mailsink/internal/listener"
	"github.com/synqronlabs/mailsink/internal/logger"
)

const shutdownTimeout = 30 * time.Second

var (
	serveAddr     string
	serveHostname string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the SMTP sink",
	Long: `Run the SMTP sink until SIGINT or SIGTERM.

Every accepted message is logged with its Subject and Message-Id and then
discarded. With [metrics] enabled, counters are served on /metrics.

Examples:
  # Listen on the default port with built-in defaults
  mailsink serve

  # Use a config file and override the listen address
  mailsink serve --config /etc/mailsink.toml --addr 127.0.0.1:2525`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "SMTP listen address (overrides server.addr)")
	serveCmd.Flags().StringVar(&serveHostname, "hostname", "", "hostname announced to clients (overrides server.hostname)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log, closer, err := logger.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer closer.Close()
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, log, nil)
}

// loadConfig reads --config, or the defaults when it is unset, and applies
// the serve flags.
func loadConfig() (config.Config, error) {
	var (
		cfg config.Config
		err error
	)
	if cfgFile != "" {
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return cfg, err
		}
	} else {
		cfg = config.Default()
	}

	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}
	if serveHostname != "" {
		cfg.Server.Hostname = serveHostname
	}
	return cfg, cfg.Validate()
}

// buildServer wires the daemon listeners into an engine server.
func buildServer(cfg config.Config, log *slog.Logger) (*mailsink.Server, error) {
	sc, err := cfg.ServerConfig(log)
	if err != nil {
		return nil, err
	}

	blocked := listener.NewBlocklist(cfg.Filter.BlockedRecipients)
	filter, err := listener.NewFilter(cfg.Filter.FilteredRegex)
	if err != nil {
		return nil, err
	}

	sc.Listeners = append(sc.Listeners, listener.NewGuard(listener.NewLogListener(log), blocked, filter, log))
	if cfg.Metrics.Enabled {
		sc.Listeners = append(sc.Listeners, listener.NewMetricsListener(blocked))
	}

	return mailsink.NewServer(sc)
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// serve runs the SMTP server and, when enabled, the metrics endpoint until
// ctx is done or either of them fails. ready, if not nil, receives the SMTP
// address once it is listening.
func serve(ctx context.Context, cfg config.Config, log *slog.Logger, ready chan<- net.Addr) error {
	srv, err := buildServer(cfg, log)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.Addr, err)
	}

	errChan := make(chan error, 2)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, mailsink.ErrServerClosed) {
			errChan <- err
		}
	}()

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metricsSrv = &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           metricsMux(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Info("metrics server started", slog.String("addr", cfg.Metrics.Addr))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- fmt.Errorf("metrics server failed: %w", err)
			}
		}()
	}

	if ready != nil {
		ready <- ln.Addr()
	}

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, initiating graceful shutdown")
	case err = <-errChan:
		log.Error("server error", slog.Any("error", err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if metricsSrv != nil {
		if serr := metricsSrv.Shutdown(shutdownCtx); serr != nil {
			log.Warn("error shutting down metrics server", slog.Any("error", serr))
		}
	}
	if serr := srv.Shutdown(shutdownCtx); serr != nil && !errors.Is(serr, mailsink.ErrServerClosed) {
		log.Warn("error shutting down SMTP server", slog.Any("error", serr))
	}
	log.Info("server stopped")
	return err
}
