package main

import (
	"context"
	"os"

	"github.com/gofiber/fiber/v3"
	cli "github.com/urfave/cli/v3"

	pcmd "github.com/perdura/perdura/pkg/cmd"
	"github.com/perdura/perdura/pkg/log"
	"github.com/perdura/perdura/pkg/operator"
	"github.com/perdura/perdura/pkg/orchestrator"
	"github.com/perdura/perdura/pkg/registry"
	"github.com/perdura/perdura/pkg/web"
)

func main() {
	cmd := &cli.Command{
		Name:                  "perdura-api",
		EnableShellCompletion: true,
		Usage:                 "Serve the operator HTTP API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   "9091",
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Store connection URL (postgres://... or memory:// for the reference backend)",
				Value:   "memory://",
				Sources: cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "queue",
				Usage:   "Queue provider (kafka, gochannel)",
				Value:   "gochannel",
				Sources: cli.EnvVars("QUEUE_PROVIDER"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger := log.WithModule("perdura-api")
			logger.InfoContext(ctx, "Initializing Perdura operator API")

			st, err := pcmd.NewStore(ctx, logger, command.String("database-url"))
			if err != nil {
				return err
			}

			defer func() {
				if err := st.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close store", "error", err)
				}
			}()

			q := pcmd.NewQueue(command.String("queue"), logger)
			defer func() {
				if err := q.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close queue", "error", err)
				}
			}()

			tasks := registry.NewRegistry(logger)

			engine := orchestrator.New(st, tasks,
				orchestrator.WithQueue(q),
				orchestrator.WithLogger(logger),
			)

			operatorService := operator.NewService(st, engine, logger)

			app := fiber.New(fiber.Config{AppName: "perdura-api"})
			web.NewAPIHandlers(operatorService, engine).Register(app)

			return app.Listen(":" + command.String("port"))
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.WithModule("perdura-api").Error("API server failed", "error", err)
		os.Exit(1)
	}
}
