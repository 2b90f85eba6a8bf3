package storage

import (
	"context"
	"fmt"

	"github.com/pressly/goose/v3"

	"github.com/camber-io/camber/pkg/log"
)

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
)

// Migrate applies pending schema migrations from dir, normally the
// migrations/ directory shipped with the binary.
func (s *PostgresStore) Migrate(ctx context.Context, dir string) error {
	goose.SetLogger(gooseLogger{})
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, s.db.DB, dir); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// MigrationStatus logs the migration table state
func (s *PostgresStore) MigrationStatus(ctx context.Context, dir string) error {
	goose.SetLogger(gooseLogger{})
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	return goose.StatusContext(ctx, s.db.DB, dir)
}

// gooseLogger routes goose output through the structured logger
type gooseLogger struct{}

func (gooseLogger) Fatalf(format string, v ...any) {
	log.WithComponent("migrate").Fatal().Msgf(format, v...)
}

func (gooseLogger) Printf(format string, v ...any) {
	log.WithComponent("migrate").Info().Msgf(format, v...)
}
