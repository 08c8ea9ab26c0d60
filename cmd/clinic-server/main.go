package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/clinicore/clinicore/internal/audit"
	"github.com/clinicore/clinicore/internal/claims"
	"github.com/clinicore/clinicore/internal/config"
	"github.com/clinicore/clinicore/internal/inventory"
	"github.com/clinicore/clinicore/internal/platform/db"
	"github.com/clinicore/clinicore/internal/platform/middleware"
	"github.com/clinicore/clinicore/internal/platform/mpesa"
	"github.com/clinicore/clinicore/internal/platform/notification"
	"github.com/clinicore/clinicore/internal/platform/sha"
	"github.com/clinicore/clinicore/internal/queue"
	"github.com/clinicore/clinicore/internal/realtime"
	"github.com/clinicore/clinicore/internal/worker"
	"github.com/clinicore/clinicore/internal/workflow"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "clinic-server",
		Short: "Clinic management API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(cleanupCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the clinic API server and background workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			fmt.Printf("Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "tenant_default", "Target schema for migrations")
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", "tenant_default", "Target schema for migrations")
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Rollback last migration (not supported)",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("WARNING: migrate down is destructive and not supported by the built-in runner.")
			fmt.Println("Restore from a backup taken by the backup worker instead.")
			return nil
		},
	})

	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage clinic tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new tenant schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Printf("Creating tenant schema: tenant_%s\n", name)
			if err := db.CreateTenantSchema(ctx, pool, name, ""); err != nil {
				return err
			}
			fmt.Println("Tenant created. Apply migrations with: clinic-server migrate up --schema tenant_" + name)
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (alphanumeric)")

	cmd.AddCommand(createCmd)
	return cmd
}

// cleanupCmd prunes durable state that accumulates during normal operation:
// old audit entries and backup artifacts past their retention window.
func cleanupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Prune old audit entries and backup artifacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			auditRetention, _ := cmd.Flags().GetDuration("audit-retention")
			backupRetention, _ := cmd.Flags().GetDuration("backup-retention")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			auditCutoff := time.Now().Add(-auditRetention)
			removed, err := audit.NewRepoPG(pool).DeleteBefore(ctx, auditCutoff)
			if err != nil {
				return fmt.Errorf("prune audit entries: %w", err)
			}
			fmt.Printf("Removed %d audit entries older than %s.\n", removed, auditRetention)

			pruned, err := pruneBackups(cfg.BackupDir, time.Now().Add(-backupRetention))
			if err != nil {
				return fmt.Errorf("prune backups: %w", err)
			}
			fmt.Printf("Removed %d backup artifacts older than %s.\n", pruned, backupRetention)
			return nil
		},
	}
	cmd.Flags().Duration("audit-retention", 90*24*time.Hour, "Delete audit entries older than this")
	cmd.Flags().Duration("backup-retention", 30*24*time.Hour, "Delete backup artifacts older than this")
	return cmd
}

// pruneBackups removes backup artifacts modified before the cutoff.
func pruneBackups(dir string, cutoff time.Time) (int, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "clinicore-*.dump"))
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Repositories
	claimRepo := claims.NewRepoPG(pool)
	inventoryRepo := inventory.NewRepoPG(pool)
	auditRepo := audit.NewRepoPG(pool)
	workflowRepo := workflow.NewRepoPG(pool)

	// Job broker and worker manager
	broker := queue.NewRedisBroker(queue.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	defer broker.Close()

	manager := queue.NewManager(broker, logger)
	manager.SetConcurrency(queue.QueueClaims, cfg.ClaimsWorkers)
	manager.SetConcurrency(queue.QueueInventory, cfg.InventoryWorkers)
	manager.SetConcurrency(queue.QueueNotifications, cfg.NotificationWorkers)
	manager.SetConcurrency(queue.QueueBackup, cfg.BackupWorkers)

	// Real-time layer
	hub := realtime.NewHub(logger)
	rtService := realtime.NewService(hub, realtime.NewJWTVerifier(cfg.AuthSecret), logger, realtime.Options{
		PresenceStaleAfter:    cfg.PresenceStaleAfter,
		SyncEventRetention:    cfg.SyncEventRetention,
		NotificationRetention: cfg.NotificationRetention,
	})

	cleanupCtx, stopCleanup := context.WithCancel(ctx)
	defer stopCleanup()
	go rtService.RunCleanup(cleanupCtx, time.Minute)

	// Workflow engine
	engine := workflow.NewEngine(workflowRepo, auditRepo, workflow.DefaultExecutors(claimRepo), logger)

	// Notification transports
	var emailSender notification.EmailSender
	var smsSender notification.SMSSender
	if cfg.SMTPHost != "" {
		emailSender = notification.NewSMTPSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPassword, cfg.SMTPFrom)
	} else {
		logger.Warn().Msg("SMTP_HOST not set, email notifications will be logged only")
		emailSender = notification.NewLogSender(logger)
	}
	if cfg.SMSGatewayURL != "" {
		smsSender = notification.NewSMSGatewaySender(cfg.SMSGatewayURL, cfg.SMSAPIKey)
	} else {
		logger.Warn().Msg("SMS_GATEWAY_URL not set, SMS notifications will be logged only")
		smsSender = notification.NewLogSender(logger)
	}
	dispatcher := notification.NewDispatcher(emailSender, smsSender, notification.NewTemplateEngine())

	// External gateways
	shaClient := sha.NewClient(cfg.SHAGatewayURL, cfg.SHAProviderCode, cfg.SHAAPISecret)
	mpesaClient := mpesa.NewClient(cfg.MpesaAPIURL, cfg.MpesaShortcode, cfg.MpesaConsumerKey, cfg.MpesaSecret)

	// Queue workers
	worker.NewClaimsWorker(claimRepo, shaClient, mpesaClient, engine, manager, cfg.AlertEmail, logger).Register(manager)
	worker.NewInventoryWorker(inventoryRepo, manager, rtService, cfg.AlertEmail, logger).Register(manager)
	worker.NewNotificationWorker(dispatcher, logger).Register(manager)
	worker.NewBackupWorker(cfg.DatabaseURL, cfg.BackupDir, cfg.PGDumpPath, auditRepo, logger).Register(manager)

	manager.Start(ctx)

	// Recurring jobs
	scheduler := queue.NewScheduler(manager, logger)
	for _, reg := range []struct {
		queue   queue.Queue
		jobType string
		spec    string
		payload interface{}
	}{
		{queue.QueueInventory, worker.TypeLowStockScan, cfg.LowStockCron, nil},
		{queue.QueueInventory, worker.TypeExpiryScan, cfg.StockExpiryCron, nil},
		{queue.QueueClaims, worker.TypeReconcilePayment, cfg.ReconciliationCron, worker.ReconcilePayload{Scope: "all"}},
		{queue.QueueBackup, worker.TypeRunBackup, cfg.BackupCron, nil},
	} {
		if err := scheduler.RegisterRecurring(reg.queue, reg.jobType, reg.spec, reg.payload); err != nil {
			logger.Fatal().Err(err).Str("job_type", reg.jobType).Msg("invalid cron schedule")
		}
	}
	scheduler.Start()

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit("1M"))
	e.Use(middleware.RequestTimeout(30 * time.Second))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID"},
	}))

	// Tenant middleware
	e.Use(db.TenantMiddleware(pool, cfg.DefaultTenant))

	// API group
	api := e.Group("/api")
	api.Use(middleware.RateLimit(middleware.DefaultRateLimitConfig()))

	realtime.NewHandler(rtService).RegisterRoutes(api)
	workflow.NewHandler(engine).RegisterRoutes(api)

	// Queue status for operational dashboards
	api.GET("/queues/status", func(c echo.Context) error {
		stats, err := manager.Stats(c.Request().Context())
		if err != nil {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "job broker unavailable")
		}
		return c.JSON(http.StatusOK, stats)
	})

	// Health checks
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))

	// Start server
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	// Graceful shutdown: stop scheduling first, drain workers, then close
	// sockets and the HTTP listener.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := scheduler.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("scheduler shutdown error")
	}
	if err := manager.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("worker drain error")
	}
	stopCleanup()
	rtService.Shutdown(shutdownCtx)
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown error")
	}

	logger.Info().Msg("server stopped")
	return nil
}
