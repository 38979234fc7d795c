package auth_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"steward/internal/auth"
	"steward/internal/config"
	"steward/internal/db"
	"steward/internal/domain"
	"steward/internal/migrate"
)

func newKeys(t *testing.T) auth.APIKeys {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return auth.APIKeys{DB: conn, Now: func() time.Time { return now }}
}

func TestAPIKeyAuthenticate(t *testing.T) {
	keys := newKeys(t)
	ctx := context.Background()
	plain, key, err := keys.Create(ctx, "bot-1", "ci", []string{"agent"})
	require.NoError(t, err)
	assert.NotContains(t, key.KeyHash, plain)

	actor, err := keys.Authenticate(ctx, auth.NewResolver(config.Default()), plain)
	require.NoError(t, err)
	assert.Equal(t, "bot-1", actor.ID)
	assert.True(t, actor.Can("edit_theme_options"))

	_, err = keys.Authenticate(ctx, auth.NewResolver(config.Default()), "stw_wrong")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAPIKeyListAndRevoke(t *testing.T) {
	keys := newKeys(t)
	ctx := context.Background()
	_, k1, err := keys.Create(ctx, "bot-1", "", nil)
	require.NoError(t, err)
	_, _, err = keys.Create(ctx, "bot-2", "", []string{"editor"})
	require.NoError(t, err)

	mine, err := keys.List(ctx, "bot-1")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, []string{}, mine[0].Roles)

	require.NoError(t, keys.Revoke(ctx, k1.ID))
	require.ErrorIs(t, keys.Revoke(ctx, k1.ID), domain.ErrNotFound)
	all, err := keys.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
