package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"chat-core/internal/chat"
	"chat-core/internal/config"
	"chat-core/internal/db"
	"chat-core/internal/handlers"
	"chat-core/internal/logging"
	"chat-core/internal/scheduler"
	"chat-core/internal/telemetry"
	"chat-core/internal/ws"
)

var (
	version = "dev"

	configFile  string
	debugRoutes bool
	batchSize   int
	resetToNull bool
)

var rootCmd = &cobra.Command{
	Use:           "chat-core",
	Short:         "Real-time channel chat core",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and websocket server with the maintenance scheduler",
	RunE:  runServe,
}

var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Run one pass of read cursor repair and exit",
	RunE:  runRepair,
}

var digestCmd = &cobra.Command{
	Use:   "digest",
	Short: "Deliver digests for every user with pending notifications and exit",
	RunE:  runDigest,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema and exit",
	RunE:  runMigrate,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (yaml, json or toml)")

	serveCmd.Flags().BoolVar(&debugRoutes, "debug-routes", false, "mount /debug endpoints")
	repairCmd.Flags().IntVar(&batchSize, "batch-size", 0, "memberships per batch (default from config)")
	repairCmd.Flags().BoolVar(&resetToNull, "reset-to-null", false, "clear dangling cursors instead of moving them to the latest message")

	rootCmd.AddCommand(serveCmd, repairCmd, digestCmd, migrateCmd)
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	log := logging.New(logging.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	return cfg, log, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TracingConfig{
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		Environment: cfg.Tracing.Environment,
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Warn().Err(err).Msg("tracing shutdown failed")
		}
	}()

	a, err := buildApp(cfg, log)
	if err != nil {
		return err
	}
	defer a.close()
	if a.auth == nil {
		return errors.New("grpc.auth_addr is required to serve")
	}

	sched := scheduler.New(cfg.Schedule.Timezone, log)
	for _, job := range scheduler.Maintenance(cfg.Schedule, a.svc, log) {
		if err := sched.Add(job); err != nil {
			return err
		}
	}
	sched.Start(ctx)
	defer sched.Stop()

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	deps := handlers.RouterDeps{
		Service:     a.svc,
		Auth:        a.auth,
		Auditor:     a.auditor,
		ServiceName: cfg.Tracing.ServiceName,
		Debug:       debugRoutes,
		Log:         log,
	}
	if a.wsOn {
		deps.WS = ws.NewHandler(a.hub, a.auth, a.allowedOrigins(), log).Handle
	}
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           handlers.NewRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Str("version", version).Msg("chat core listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	}

	sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(sctx)
}

func runRepair(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := buildApp(cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	opts := scheduler.RepairOptions(cfg.Schedule)
	if batchSize > 0 {
		opts.BatchSize = batchSize
	}
	if resetToNull {
		opts.Policy = chat.RepairResetToNull
	}
	report, err := a.svc.RunMaintenance(cmd.Context(), opts)
	if err != nil {
		return err
	}
	return printJSON(cmd, report)
}

func runDigest(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := buildApp(cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	report, err := a.svc.Digests.RunAll(cmd.Context())
	if err != nil {
		return err
	}
	return printJSON(cmd, report)
}

func runMigrate(_ *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.DB.Driver == "memory" {
		return errors.New("the memory store has no schema")
	}
	conn, err := db.Connect(db.Config{Driver: cfg.DB.Driver, DSN: cfg.DB.DSN, Migrate: true}, log)
	if err != nil {
		return err
	}
	return conn.Close()
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
