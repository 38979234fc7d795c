package flags_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"steward/internal/audit"
	"steward/internal/db"
	"steward/internal/domain"
	"steward/internal/flags"
	"steward/internal/migrate"
)

func newStore(t *testing.T) (flags.Store, audit.Writer) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	now := func() time.Time { return time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC) }
	w := audit.Writer{DB: conn, Now: now}
	return flags.Store{DB: conn, Now: now, Audit: w}, w
}

func TestSetGetList(t *testing.T) {
	s, w := newStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "governance.broken-links")
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = s.Set(ctx, "governance.broken-links", false, "admin")
	require.NoError(t, err)
	_, err = s.Set(ctx, "ai.ghostwriter", true, "admin")
	require.NoError(t, err)

	f, err := s.Get(ctx, "governance.broken-links")
	require.NoError(t, err)
	assert.False(t, f.Enabled)

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "ai.ghostwriter", list[0].Key)

	recs, err := w.List(ctx, audit.Query{EventType: "flag.updated"})
	require.NoError(t, err)
	assert.Len(t, recs, 2)
	assert.Equal(t, domain.SourceSystem, recs[0].Source)
}

func TestSeedKeepsStoredValues(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	_, err := s.Set(ctx, "beta", false, "admin")
	require.NoError(t, err)
	require.NoError(t, s.Seed(ctx, map[string]bool{"beta": true, "gamma": true}))

	v, ok, err := s.Lookup(ctx, "beta")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, v)
	v, ok, err = s.Lookup(ctx, "gamma")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, v)
	_, ok, err = s.Lookup(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSetRejectsBadKey(t *testing.T) {
	s, _ := newStore(t)
	_, err := s.Set(context.Background(), "Bad Key", true, "admin")
	require.Error(t, err)
	assert.True(t, domain.IsInvalidInput(err))
}

func TestSetSurfacesStoreFailure(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()
	mock.ExpectExec("INSERT INTO feature_flags").WillReturnError(errors.New("database is locked"))

	s := flags.Store{DB: conn}
	_, err = s.Set(context.Background(), "beta", true, "admin")
	require.ErrorContains(t, err, "locked")
	require.NoError(t, mock.ExpectationsWereMet())
}
