package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/jmcleod/bizadmin/api"
	"github.com/jmcleod/bizadmin/auth"
	"github.com/jmcleod/bizadmin/config"
	"github.com/jmcleod/bizadmin/internal/util"
	"github.com/jmcleod/bizadmin/storage"
	"github.com/jmcleod/bizadmin/web"
)

var serverFlags struct {
	addr          string
	storage       string
	dbPath        string
	databaseURL   string
	mongoURI      string
	metricsAddr   string
	tlsCert       string
	tlsKey        string
	selfSigned    bool
	secureCookies bool
	logLevel      string
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		applyServerFlags(cmd, cfg)
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		secret, err := config.SessionSecret(os.LookupEnv)
		if err != nil {
			return err
		}

		logger, err := cfg.Log.NewLogger(os.Stderr)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		repo, closeRepo, err := openRepository(ctx, cfg.Storage)
		if err != nil {
			return err
		}
		defer closeRepo()

		a, handler, err := newServerHandler(cfg, secret, repo, logger, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
		util.WipeBytes(secret)
		if err != nil {
			return err
		}
		defer a.Close()

		tlsConfig, err := serverTLSConfig(cfg)
		if err != nil {
			return err
		}

		server := &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           handler,
			TLSConfig:         tlsConfig,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
			ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelError),
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			var err error
			if tlsConfig != nil {
				err = server.ListenAndServeTLS("", "")
			} else {
				err = server.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		if cfg.Server.MetricsAddr != "" {
			metricsServer := serveMetrics(cfg.Server.MetricsAddr, prometheus.DefaultGatherer, logger)
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = metricsServer.Shutdown(ctx)
			}()
		}

		printBanner(cmd.OutOrStdout())
		logger.Info("server started",
			"addr", cfg.Server.Addr,
			"metrics_addr", cfg.Server.MetricsAddr,
			"tls", tlsConfig != nil,
			"storage", cfg.Storage.Backend,
			"secure_cookies", cfg.Auth.SecureCookies,
		)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			logger.Info("shutting down", "signal", sig.String())
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

// newServerHandler wires the API, web page, health check and metrics onto
// one router. The caller must Close the returned API.
func newServerHandler(cfg *config.Config, secret []byte, repo storage.Repository, logger *slog.Logger, reg prometheus.Registerer, gatherer prometheus.Gatherer) (*api.API, http.Handler, error) {
	signer, err := auth.NewSigner(secret)
	if err != nil {
		return nil, nil, err
	}

	opts := []api.Option{
		api.WithLogger(logger),
		api.WithSecureCookies(cfg.Auth.SecureCookies),
		api.WithRegisterer(reg),
		api.WithAuditRetention(cfg.Audit.MaxEntries),
		api.WithAlertFunc(func(evt api.AlertEvent) {
			logger.Warn("security alert",
				"type", string(evt.Type),
				"message", evt.Message,
				"count", evt.Count,
				"threshold", evt.Threshold,
			)
		}),
	}
	if cfg.Audit.WebhookURL != "" {
		opts = append(opts, api.WithAuditWebhook(cfg.Audit.WebhookURL, cfg.Audit.WebhookHeader))
	}
	if len(cfg.Server.TrustedProxies) > 0 {
		opt, err := api.WithTrustedProxies(cfg.Server.TrustedProxies)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, opt)
	}
	a := api.New(repo, signer, opts...)

	webHandler, err := web.Handler(a.IdentityFromRequest)
	if err != nil {
		a.Close()
		return nil, nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(api.SecurityHeaders)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if p, ok := repo.(interface{ Ping(context.Context) error }); ok {
			if err := p.Ping(r.Context()); err != nil {
				logger.Warn("health check failed", "error", err)
				http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.Write([]byte("OK"))
	})
	if cfg.Server.MetricsAddr == "" {
		r.Handle("/metrics", metricsHandler(gatherer))
	}

	r.Mount("/api/v1", a.Router())
	r.Handle("/*", webHandler)

	return a, r, nil
}

func metricsHandler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// serveMetrics runs the metrics listener until it is shut down. Failures
// are logged; the API keeps serving.
func serveMetrics(addr string, gatherer prometheus.Gatherer, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metricsHandler(gatherer))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelError),
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics listener failed", "addr", addr, "error", err)
		}
	}()
	return srv
}

func serverTLSConfig(cfg *config.Config) (*tls.Config, error) {
	var cert tls.Certificate
	switch {
	case cfg.TLSEnabled():
		var err error
		cert, err = tls.LoadX509KeyPair(cfg.Server.TLSCert, cfg.Server.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
	case serverFlags.selfSigned:
		var err error
		cert, err = util.GenerateSelfSignedCert()
		if err != nil {
			return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
		}
	default:
		return nil, nil
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// applyServerFlags copies explicitly set flags over file and env values.
func applyServerFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("addr") {
		cfg.Server.Addr = serverFlags.addr
	}
	if f.Changed("storage") {
		cfg.Storage.Backend = serverFlags.storage
	}
	if f.Changed("db-path") {
		cfg.Storage.Path = serverFlags.dbPath
	}
	if f.Changed("database-url") {
		cfg.Storage.PostgresDSN = serverFlags.databaseURL
	}
	if f.Changed("mongo-uri") {
		cfg.Storage.MongoURI = serverFlags.mongoURI
	}
	if f.Changed("metrics-addr") {
		cfg.Server.MetricsAddr = serverFlags.metricsAddr
	}
	if f.Changed("tls-cert") {
		cfg.Server.TLSCert = serverFlags.tlsCert
	}
	if f.Changed("tls-key") {
		cfg.Server.TLSKey = serverFlags.tlsKey
	}
	if f.Changed("secure-cookies") {
		cfg.Auth.SecureCookies = serverFlags.secureCookies
	}
	if f.Changed("log-level") {
		cfg.Log.Level = serverFlags.logLevel
	}
}

func init() {
	rootCmd.AddCommand(serverCmd)
	f := serverCmd.Flags()
	f.StringVar(&serverFlags.addr, "addr", ":8080", "Address to listen on")
	f.StringVar(&serverFlags.storage, "storage", config.BackendBolt, "Storage backend: memory, bbolt, postgres or mongo")
	f.StringVar(&serverFlags.dbPath, "db-path", "./data/bizadmin.db", "BBolt database file")
	f.StringVar(&serverFlags.databaseURL, "database-url", "", "PostgreSQL connection string")
	f.StringVar(&serverFlags.mongoURI, "mongo-uri", "", "MongoDB connection string (replica set)")
	f.StringVar(&serverFlags.metricsAddr, "metrics-addr", "", "Serve /metrics on this address instead of the main listener")
	f.StringVar(&serverFlags.tlsCert, "tls-cert", "", "Path to TLS certificate file")
	f.StringVar(&serverFlags.tlsKey, "tls-key", "", "Path to TLS key file")
	f.BoolVar(&serverFlags.selfSigned, "tls-self-signed", false, "Serve TLS with a runtime generated certificate (development only)")
	f.BoolVar(&serverFlags.secureCookies, "secure-cookies", false, "Set the Secure attribute on the session cookie")
	f.StringVar(&serverFlags.logLevel, "log-level", "info", "Log level: debug, info, warn or error")
}
