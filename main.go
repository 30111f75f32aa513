package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Ananth-NQI/cakepe-backend/database"
	"github.com/Ananth-NQI/cakepe-backend/internal/config"
	"github.com/Ananth-NQI/cakepe-backend/internal/middleware"
	"github.com/Ananth-NQI/cakepe-backend/internal/routes"
)

const version = "1.0.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "cakepe",
		Short:         "WhatsApp cake ordering backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}
	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP server and background jobs (default)",
			RunE:  runServe,
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Create or update the database schema",
			RunE:  runMigrate,
		},
		&cobra.Command{
			Use:   "expire",
			Short: "Expire idle orders once and deliver their notices",
			RunE:  runExpire,
		},
	)
	return root
}

func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", cfg.LogLevel, err)
	}
	zc := zap.NewProductionConfig()
	if cfg.IsDevelopment() {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	return zc.Build()
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApplication(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	a.jobs.Start(ctx)
	defer a.jobs.Stop()

	app := fiber.New(fiber.Config{
		AppName:               "CakePe Backend v" + version,
		DisableStartupMessage: !cfg.IsDevelopment(),
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			var e *fiber.Error
			if errors.As(err, &e) {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"error": err.Error(),
			})
		},
	})
	app.Use(requestid.New())
	app.Use(recover.New())
	app.Use(middleware.RequestLogger(logger.Named("http")))

	routes.SetupRoutes(app, routes.Deps{
		Config:     cfg,
		Dispatcher: a.orders,
		Settler:    a.orders,
		Gateway:    a.gateway,
		Store:      a.store,
		Logger:     logger,
		Version:    version,
	})

	go func() {
		<-ctx.Done()
		logger.Info("Gracefully shutting down")
		_ = app.Shutdown()
	}()

	logger.Info("CakePe Backend starting",
		zap.String("port", cfg.Port),
		zap.String("storage", cfg.StorageType()),
		zap.String("environment", cfg.Environment),
		zap.Int("catalog_items", len(a.catalog.Items())))
	return app.Listen(":" + cfg.Port)
}

func runMigrate(*cobra.Command, []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.UseMemoryStore {
		return errors.New("migrate needs a database, unset USE_MEMORY_STORE")
	}
	db, err := database.Connect(cfg.Database, logger)
	if err != nil {
		return err
	}
	if err := database.Migrate(db); err != nil {
		return err
	}
	logger.Info("Database migrations completed")
	return nil
}

func runExpire(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApplication(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	a.jobs.SweepOnce(ctx)
	a.jobs.DrainOnce(ctx)
	return nil
}
