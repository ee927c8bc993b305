// Package postgres provides the PostgreSQL store backend. It implements the
// full store contract plus every optional capability, using conditional
// UPDATE/INSERT statements where the engine needs atomicity.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	// Registers the "postgres" database/sql driver.
	_ "github.com/lib/pq"

	"github.com/perdura/perdura/pkg/store"
	"github.com/perdura/perdura/pkg/store/sqlbase"
)

type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var (
	_ store.Store               = (*Store)(nil)
	_ store.TimerClaimer        = (*Store)(nil)
	_ store.IdempotencyReserver = (*Store)(nil)
	_ store.ExecutionLocker     = (*Store)(nil)
	_ store.OperatorStore       = (*Store)(nil)
)

// NewStore connects, pings and migrates the schema.
func NewStore(ctx context.Context, logger *slog.Logger, databaseURL string) (*Store, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	if err := database.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())
	if err := migrationManager.RunMigrations(ctx); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{db: database, logger: logger}, nil
}

func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

func (s *Store) Close(_ context.Context) error {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// nullable maps the zero string to SQL NULL, for optional UUID columns.
func nullable(value string) any {
	if value == "" {
		return nil
	}

	return value
}

// marshalJSON encodes a value for a JSONB column; nil stays NULL.
func marshalJSON(value any) ([]byte, error) {
	if value == nil {
		return nil, nil
	}

	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal value: %w", err)
	}

	return encoded, nil
}

// unmarshalJSON decodes a nullable JSONB column into target.
func unmarshalJSON(data []byte, target any) error {
	if data == nil {
		return nil
	}

	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to unmarshal value: %w", err)
	}

	return nil
}
