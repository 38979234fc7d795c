// Package flags stores named boolean feature flags.
package flags

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"steward/internal/audit"
	"steward/internal/domain"
)

var keyPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]*$`)

type Store struct {
	DB    *sql.DB
	Now   func() time.Time
	Audit audit.Recorder
}

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s Store) List(ctx context.Context) ([]domain.FeatureFlag, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT key,enabled,updated_at FROM feature_flags ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.FeatureFlag
	for rows.Next() {
		f, err := scanFlag(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s Store) Get(ctx context.Context, key string) (domain.FeatureFlag, error) {
	f, err := scanFlag(s.DB.QueryRowContext(ctx, `SELECT key,enabled,updated_at FROM feature_flags WHERE key=?`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return f, fmt.Errorf("flag %s: %w", key, domain.ErrNotFound)
	}
	return f, err
}

// Lookup returns the flag value and whether it is set at all.
func (s Store) Lookup(ctx context.Context, key string) (bool, bool, error) {
	f, err := s.Get(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	return f.Enabled, true, nil
}

// Set writes the flag and audits the change.
func (s Store) Set(ctx context.Context, key string, enabled bool, actorID string) (domain.FeatureFlag, error) {
	if !keyPattern.MatchString(key) {
		return domain.FeatureFlag{}, domain.InvalidInputError{Field: "key", Reason: fmt.Sprintf("invalid flag key %q", key)}
	}
	f := domain.FeatureFlag{Key: key, Enabled: enabled, UpdatedAt: s.now()}
	if err := s.upsert(ctx, f); err != nil {
		return f, err
	}
	if s.Audit != nil {
		state := "disabled"
		if enabled {
			state = "enabled"
		}
		if _, err := s.Audit.Append(ctx, domain.AuditRecord{
			EventType: "flag.updated",
			Source:    domain.SourceSystem,
			ActorID:   actorID,
			Message:   fmt.Sprintf("flag %s %s", key, state),
			Context:   map[string]any{"key": key, "enabled": enabled},
		}); err != nil {
			return f, err
		}
	}
	return f, nil
}

// Seed inserts config-declared flags that have no stored value yet.
func (s Store) Seed(ctx context.Context, defaults map[string]bool) error {
	for key, enabled := range defaults {
		if !keyPattern.MatchString(key) {
			return fmt.Errorf("invalid flag key %q", key)
		}
		v := 0
		if enabled {
			v = 1
		}
		if _, err := s.DB.ExecContext(ctx, `INSERT INTO feature_flags(key,enabled,updated_at) VALUES (?,?,?) ON CONFLICT(key) DO NOTHING`,
			key, v, s.now().UnixNano()); err != nil {
			return fmt.Errorf("seed flag %s: %w", key, err)
		}
	}
	return nil
}

func (s Store) upsert(ctx context.Context, f domain.FeatureFlag) error {
	v := 0
	if f.Enabled {
		v = 1
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO feature_flags(key,enabled,updated_at) VALUES (?,?,?)
ON CONFLICT(key) DO UPDATE SET enabled=excluded.enabled, updated_at=excluded.updated_at`, f.Key, v, f.UpdatedAt.UnixNano())
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFlag(s scanner) (domain.FeatureFlag, error) {
	var (
		f       domain.FeatureFlag
		enabled int
		updated int64
	)
	if err := s.Scan(&f.Key, &enabled, &updated); err != nil {
		return f, err
	}
	f.Enabled = enabled == 1
	f.UpdatedAt = time.Unix(0, updated).UTC()
	return f, nil
}
