// Package storage wires up the local SQLite database and its repositories.
package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dmitrijs2005/chatsync/internal/client/migrations"
	"github.com/dmitrijs2005/chatsync/internal/client/repositories/chats"
	"github.com/dmitrijs2005/chatsync/internal/client/repositories/metadata"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

type Repositories struct {
	Chats    chats.Repository
	Metadata metadata.Repository
	DB       *sql.DB
}

// RunMigrations applies the embedded goose migrations to db.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	return goose.UpContext(ctx, db, ".")
}

// InitDatabase opens the SQLite database at dsn, migrates it, and returns
// the repository set bound to it.
func InitDatabase(ctx context.Context, dsn string) (*Repositories, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	if err := RunMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	return &Repositories{
		Chats:    chats.NewSQLiteRepository(db),
		Metadata: metadata.NewSQLiteRepository(db),
		DB:       db,
	}, nil
}
