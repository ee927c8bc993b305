// Package cmd provides construction helpers shared by the perdura binaries.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ThreeDotsLabs/watermill"

	gochannelc "github.com/perdura/perdura/pkg/channels/gochannel"
	kafkac "github.com/perdura/perdura/pkg/channels/kafka"
	"github.com/perdura/perdura/pkg/eventbus"
	"github.com/perdura/perdura/pkg/queue"
	"github.com/perdura/perdura/pkg/store"
	"github.com/perdura/perdura/pkg/store/memory"
	"github.com/perdura/perdura/pkg/store/postgres"
)

var supportedStoreProviders = []string{"memory", "postgres", "postgresql"}

// NewStore builds a store from a URL. PostgreSQL is the production backend;
// anything else falls back to the in-memory reference store.
func NewStore(ctx context.Context, logger *slog.Logger, databaseURL string) (store.Store, error) {
	provider := parseStoreProvider(databaseURL)

	switch provider {
	case "postgres", "postgresql":
		return postgres.NewStore(ctx, logger, databaseURL)
	default:
		return memory.NewStore(), nil
	}
}

func parseStoreProvider(databaseURL string) string {
	parts := strings.Split(databaseURL, "://")

	provider := parts[0]
	for _, supported := range supportedStoreProviders {
		if provider == supported {
			return provider
		}
	}

	return "memory"
}

func NewEventBus(provider string, logger *slog.Logger) eventbus.EventBus {
	switch provider {
	case "kafka":
		pub, sub, err := kafkac.CreateChannel(watermill.NewSlogLogger(logger), "perdura-events")
		if err != nil {
			panic(fmt.Errorf("failed to create Kafka pub/sub: %w", err))
		}

		return eventbus.NewWatermillEventBus(pub, sub)
	case "gochannel":
		pub, sub, err := gochannelc.CreateChannel(watermill.NewSlogLogger(logger))
		if err != nil {
			panic(fmt.Errorf("failed to create GoChannel pub/sub: %w", err))
		}

		return eventbus.NewWatermillEventBus(pub, sub)
	default:
		panic("Unsupported event bus provider: " + provider)
	}
}

func NewQueue(provider string, logger *slog.Logger) queue.Queue {
	switch provider {
	case "kafka":
		pub, sub, err := kafkac.CreateChannel(watermill.NewSlogLogger(logger), "perdura-queue")
		if err != nil {
			panic(fmt.Errorf("failed to create Kafka pub/sub: %w", err))
		}

		return queue.NewWatermillQueue(pub, sub)
	case "gochannel":
		pub, sub, err := gochannelc.CreateChannel(watermill.NewSlogLogger(logger))
		if err != nil {
			panic(fmt.Errorf("failed to create GoChannel pub/sub: %w", err))
		}

		return queue.NewWatermillQueue(pub, sub)
	default:
		panic("Unsupported queue provider: " + provider)
	}
}
