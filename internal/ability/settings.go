package ability

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Settings persists per-ability enable/disable overrides. Abilities without a
// row fall back to DefaultDisabled, then to enabled.
type Settings struct {
	DB              *sql.DB
	Now             func() time.Time
	DefaultDisabled map[string]bool
}

func (s Settings) Enabled(ctx context.Context, name string) (bool, error) {
	if s.DB == nil {
		return !s.DefaultDisabled[name], nil
	}
	var enabled int
	err := s.DB.QueryRowContext(ctx, `SELECT enabled FROM ability_settings WHERE name=?`, name).Scan(&enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return !s.DefaultDisabled[name], nil
	}
	if err != nil {
		return false, err
	}
	return enabled == 1, nil
}

func (s Settings) SetEnabled(ctx context.Context, name string, enabled bool) error {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	v := 0
	if enabled {
		v = 1
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO ability_settings(name,enabled,updated_at) VALUES (?,?,?)
ON CONFLICT(name) DO UPDATE SET enabled=excluded.enabled, updated_at=excluded.updated_at`, name, v, now().UnixNano())
	return err
}
