package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"loumass/config"
	"loumass/middleware"
	"loumass/routes"
)

var (
	serveNoWorkers bool
	serveMigrate   bool
)

func init() {
	serveCmd.Flags().BoolVar(&serveNoWorkers, "no-workers", false, "serve the API without the background engine and reply workers")
	serveCmd.Flags().BoolVar(&serveMigrate, "migrate", false, "run database migrations before serving")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API and run the background workers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := bootstrap()
		if err != nil {
			return err
		}
		defer cleanup()

		if serveMigrate {
			if err := config.MigrateDB(config.DB); err != nil {
				return err
			}
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if !serveNoWorkers {
			go a.engineWorker.Start(ctx)
			go a.replyWorker.Start(ctx)
		}

		app := fiber.New(fiber.Config{
			AppName:      "loumass " + version,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
		})
		app.Use(middleware.CORS(middleware.DefaultCORSConfig(config.AppConfig.CORSOrigins)))
		routes.SetupRoutes(app, a.handlers)

		go func() {
			<-ctx.Done()
			logrus.Info("Shutting down server...")
			if err := app.ShutdownWithTimeout(30 * time.Second); err != nil {
				logrus.WithError(err).Error("Server shutdown failed")
			}
		}()

		logrus.Infof("Server starting on port %s", config.AppConfig.ServerPort)
		return app.Listen(":" + config.AppConfig.ServerPort)
	},
}

var runOnceCmd = &cobra.Command{
	Use:   "run-once",
	Short: "Run one sequence scheduler and automation runner pass, then exit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := bootstrap()
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		for name, summary := range a.engineWorker.RunAll(ctx) {
			logrus.WithFields(logrus.Fields{
				"job":        name,
				"total":      summary.Total,
				"successful": summary.Successful,
				"failed":     summary.Failed,
			}).Info("Run finished")
		}
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the engine tables",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadConfig(); err != nil {
			return err
		}
		if err := config.ConnectDB(); err != nil {
			return err
		}
		return config.MigrateDB(config.DB)
	},
}
