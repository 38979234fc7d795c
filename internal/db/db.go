// Package db opens the workspace sqlite database.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const (
	stateDir           = ".steward"
	defaultDBName      = "steward.db"
	defaultBusyTimeout = 5 * time.Second
)

type Config struct {
	Workspace string
	// BusyTimeout bounds how long a writer waits on the database lock.
	BusyTimeout time.Duration
}

// EnsureWorkspace creates the workspace state directory and returns its path.
func EnsureWorkspace(workspace string) (string, error) {
	dir := filepath.Join(orDot(workspace), stateDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace %s: %w", dir, err)
	}
	return dir, nil
}

// Open opens the database in WAL mode. The API server and the scheduler share
// one connection, so writes are serialized and the busy timeout only matters
// for other processes (CLI commands) touching the same file.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)",
		Path(cfg.Workspace), busy.Milliseconds())
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(1)
	ctx, cancel := context.WithTimeout(context.Background(), busy)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("open %s: %w", Path(cfg.Workspace), err)
	}
	return conn, nil
}

// Path returns the database file path for a workspace.
func Path(workspace string) string {
	return filepath.Join(orDot(workspace), stateDir, defaultDBName)
}

func orDot(workspace string) string {
	if workspace == "" {
		return "."
	}
	return workspace
}
