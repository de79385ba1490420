package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/robolink-io/robolink/internal/api"
	"github.com/robolink-io/robolink/internal/auth"
	"github.com/robolink-io/robolink/internal/comms"
	"github.com/robolink-io/robolink/internal/db"
	"github.com/robolink-io/robolink/internal/store"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// stalledSweepInterval is how often the hub checks for robots that stopped
// reporting mid-program.
const stalledSweepInterval = 30 * time.Second

type config struct {
	httpAddr       string
	dbDriver       string
	dbDSN          string
	jwtIssuer      string
	privateKeyPath string
	publicKeyPath  string
	logLevel       string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "robolink-server",
		Short: "RoboLink server — connection hub for robots, operators, and monitors",
		Long: `RoboLink server is the central routing point of the RoboLink system.
Robots, operator UIs, and monitoring dashboards hold persistent WebSocket
connections to it; the server authenticates them, allocates robots to
operators, relays program transfer and execution commands, and fans robot
telemetry out to listeners and monitors.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("ROBOLINK_HTTP_ADDR", ":8080"), "HTTP and WebSocket listen address")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("ROBOLINK_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("ROBOLINK_DB_DSN", "./robolink.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.jwtIssuer, "jwt-issuer", envOrDefault("ROBOLINK_JWT_ISSUER", "robolink"), "Issuer claim for session tokens")
	root.PersistentFlags().StringVar(&cfg.privateKeyPath, "jwt-private-key", envOrDefault("ROBOLINK_JWT_PRIVATE_KEY", ""), "Path to PEM-encoded RSA private key (generated if empty)")
	root.PersistentFlags().StringVar(&cfg.publicKeyPath, "jwt-public-key", envOrDefault("ROBOLINK_JWT_PUBLIC_KEY", ""), "Path to PEM-encoded RSA public key")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("ROBOLINK_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("robolink-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting robolink server",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Database and migrations.
	database, err := db.New(db.Config{
		Driver: cfg.dbDriver,
		DSN:    cfg.dbDSN,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	st := store.New(database)

	// Token signing keys. Generated keys invalidate tokens on restart,
	// which is fine for development; production mounts a key pair.
	var jwtMgr *auth.JWTManager
	if cfg.privateKeyPath != "" && cfg.publicKeyPath != "" {
		jwtMgr, err = auth.NewJWTManagerFromFiles(cfg.privateKeyPath, cfg.publicKeyPath, cfg.jwtIssuer)
	} else {
		logger.Warn("no JWT key pair configured, generating an ephemeral one")
		jwtMgr, err = auth.NewJWTManagerGenerated(cfg.jwtIssuer)
	}
	if err != nil {
		return fmt.Errorf("initialize token manager: %w", err)
	}
	authService := auth.NewService(st, jwtMgr, logger.Named("auth"))

	// Connection hub and message dispatcher.
	hub := comms.NewHub(logger.Named("hub"))
	processor := comms.NewProcessor(hub, st, jwtMgr, logger.Named("processor"))
	go hub.StalledRobotCheck(ctx, stalledSweepInterval, time.Now)

	router := api.NewRouter(api.RouterConfig{
		AuthService: authService,
		JWTManager:  jwtMgr,
		Hub:         hub,
		Dispatcher:  processor,
		Store:       st,
		Logger:      logger.Named("api"),
	})

	server := &http.Server{
		Addr:              cfg.httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down robolink server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown did not finish cleanly", zap.Error(err))
	}

	// Closing the live connections wakes their pumps and lets the hub drain.
	for _, conn := range hub.All() {
		conn.Close()
	}
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
