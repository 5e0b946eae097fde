package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/jmcleod/rollcall/api"
	"github.com/jmcleod/rollcall/attendance"
	"github.com/jmcleod/rollcall/events"
	"github.com/jmcleod/rollcall/internal/config"
	"github.com/jmcleod/rollcall/internal/telemetry"
)

const (
	shutdownTimeout    = 10 * time.Second
	rateLimitSweepTick = 5 * time.Minute
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the attendance server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger := cfg.NewLogger(os.Stderr)
		slog.SetDefault(logger)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServer(ctx, cfg, logger)
	},
}

func runServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	be, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer be.Close()

	keys, err := openKeyring(cfg)
	if err != nil {
		return err
	}
	if cfg.TokenKey == "" && cfg.Storage == "postgres" {
		logger.Warn("no token_key configured; instances sharing this ledger cannot resolve each other's tokens")
	}

	providers, err := telemetry.NewProviders(ctx, cfg.OTLPEndpoint, "rollcall", cfg.OTLPInsecure)
	if err != nil {
		return err
	}
	providers.SetGlobal()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := providers.Shutdown(sctx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()
	instruments, err := telemetry.NewInstruments(providers.MeterProvider)
	if err != nil {
		return err
	}

	publishers, closePublishers, err := openPublishers(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closePublishers()

	hub := events.NewHub()
	dispatcher := events.NewDispatcher(logger, append([]events.Publisher{hub}, publishers...)...)
	defer dispatcher.Close()

	opts := append(serviceOptions(cfg, be, logger),
		attendance.WithEventSink(dispatcher),
		attendance.WithMetrics(instruments),
	)
	svc, err := attendance.NewService(be.repo, keys, opts...)
	if err != nil {
		return err
	}
	defer svc.Close()

	restored, err := svc.Sessions.Restore(ctx)
	if err != nil {
		logger.Warn("some sessions could not be restored", "error", err)
	}
	if restored > 0 {
		logger.Info("restored sessions", "count", restored)
	}

	a := api.New(svc,
		api.WithLogger(logger),
		api.WithHub(hub),
		api.WithRateLimitRecorder(instruments),
		api.WithAlertFunc(func(e api.AlertEvent) {
			logger.Warn("alert", "type", e.Type, "message", e.Message, "count", e.Count, "threshold", e.Threshold)
		}),
	)
	go a.SweepLoop(ctx, rateLimitSweepTick)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(api.SecurityHeaders)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})

	r.With(api.RequireJSON).Mount("/api/v1", a.Router())

	server := newHTTPServer(ctx, cfg.Addr, r)

	done := make(chan error, 1)
	go func() {
		var err error
		if cfg.TLSCert != "" {
			server.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			err = server.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			done <- fmt.Errorf("server failed: %w", err)
			return
		}
		done <- nil
	}()

	printBanner()
	logger.Info("starting server", "addr", cfg.Addr, "storage", cfg.Storage, "bucket", cfg.Bucket)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(sctx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-done:
		return err
	}
}

// newHTTPServer returns a server whose request contexts derive from ctx, so
// long-lived streams end when ctx is cancelled and Shutdown can drain them.
func newHTTPServer(ctx context.Context, addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
}

func init() {
	rootCmd.AddCommand(serverCmd)
	f := serverCmd.Flags()
	f.StringP("addr", "a", ":8080", "Address to listen on")
	f.Int("grace-seconds", 5, "How long a superseded window still yields pending records")
	f.Int("window-retention", 4, "Token windows kept per session")
	f.Duration("clear-suppression", 1500*time.Millisecond, "How long the feed hides records held by a clear")
	f.Int("pin-digits", 6, "Digits in each window PIN (4-6)")
	f.String("token-key", "", "Hex-encoded 32-byte token digest key shared by instances")
	f.String("redis-addr", "", "Redis address for event notifications")
	f.String("redis-password", "", "Redis password")
	f.String("redis-channel", "rollcall.events", "Redis channel for event notifications")
	f.String("amqp-url", "", "AMQP URL for event notifications")
	f.String("amqp-queue", "rollcall.events", "AMQP queue for event notifications")
	f.String("kafka-brokers", "", "Comma-separated Kafka brokers for event notifications")
	f.String("kafka-topic", "rollcall.events", "Kafka topic for event notifications")
	f.String("webhook-url", "", "Webhook URL for event notifications")
	f.String("webhook-auth-header", "", "Authorization header sent with webhook events")
	f.String("otlp-endpoint", "", "OTLP gRPC endpoint for metrics")
	f.Bool("otlp-insecure", false, "Use plaintext gRPC for OTLP")
	f.String("tls-cert", "", "Path to TLS certificate file")
	f.String("tls-key", "", "Path to TLS key file")
}
