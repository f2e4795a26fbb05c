// Package migrations embeds the SQL schema and applies it with goose.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

//go:embed *.sql
var FS embed.FS

func init() {
	goose.SetBaseFS(FS)
	if err := goose.SetDialect("postgres"); err != nil {
		panic(err)
	}
}

// Up applies all pending migrations.
func Up(ctx context.Context, db *sql.DB) error {
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

// Run executes a goose command (up, down, status, version, redo, up-to,
// down-to) against db.
func Run(ctx context.Context, command string, db *sql.DB, args ...string) error {
	return goose.RunContext(ctx, command, db, ".", args...)
}
