package main

import (
	"context"
	"os"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"

	pcmd "github.com/perdura/perdura/pkg/cmd"
	"github.com/perdura/perdura/pkg/log"
	"github.com/perdura/perdura/pkg/orchestrator"
	"github.com/perdura/perdura/pkg/otelhelper"
	"github.com/perdura/perdura/pkg/registry"
	"github.com/perdura/perdura/pkg/worker"
)

func main() {
	cmd := &cli.Command{
		Name:                  "perdura-worker",
		EnableShellCompletion: true,
		Usage:                 "Start a durable execution worker and timer poller",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Custom worker ID (auto-generated if not provided)",
				Value:   "",
				Sources: cli.EnvVars("WORKER_ID"),
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
				Name:    "event-bus",
				Usage:   "Event bus provider (kafka, gochannel)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
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

			workerID := command.String("worker-id")
			if workerID == "" {
				workerID = "worker-" + uuid.New().String()[:8]
			}

			logger := log.WithModule("perdura-worker").With("worker_id", workerID)
			logger.InfoContext(ctx, "Initializing Perdura worker")

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

			bus := pcmd.NewEventBus(command.String("event-bus"), logger)
			defer func() {
				if err := bus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			tasks := registry.NewRegistry(logger)
			registerTasks(tasks)

			config := orchestrator.DefaultConfig()
			config.WorkerID = workerID

			engine := orchestrator.New(st, tasks,
				orchestrator.WithQueue(q),
				orchestrator.WithBus(bus),
				orchestrator.WithLogger(logger),
				orchestrator.WithConfig(config),
			)

			if err := engine.Recover(ctx); err != nil {
				return err
			}

			tracer, err := otelhelper.NewTracer(ctx, "perdura-worker")
			if err != nil {
				return err
			}

			consumer := worker.NewWorker(workerID, q, engine, logger, worker.WithTracer(tracer))

			go func() {
				if err := consumer.Run(ctx); err != nil {
					logger.ErrorContext(ctx, "Worker loop exited", "error", err)
				}
			}()

			return engine.Run(ctx)
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.WithModule("perdura-worker").Error("Worker failed", "error", err)
		os.Exit(1)
	}
}
