package audit_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"steward/internal/audit"
	"steward/internal/db"
	"steward/internal/domain"
	"steward/internal/migrate"
)

func newWriter(t *testing.T) audit.Writer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	return audit.Writer{DB: conn, Now: func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }}
}

func TestAppendAssignsMonotonicIDs(t *testing.T) {
	w := newWriter(t)
	ctx := context.Background()
	first, err := w.Append(ctx, domain.AuditRecord{EventType: "ability.executed", Source: domain.SourceAbility, Message: "one"})
	require.NoError(t, err)
	second, err := w.Append(ctx, domain.AuditRecord{EventType: "ability.executed", Source: domain.SourceAbility, Message: "two"})
	require.NoError(t, err)
	assert.Greater(t, second.ID, first.ID)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), first.CreatedAt)
}

func TestAppendValidates(t *testing.T) {
	w := newWriter(t)
	_, err := w.Append(context.Background(), domain.AuditRecord{Source: domain.SourceSystem})
	require.Error(t, err)
	_, err = w.Append(context.Background(), domain.AuditRecord{EventType: "x", Source: "cron"})
	require.Error(t, err)
}

func TestListFiltersAndOrder(t *testing.T) {
	w := newWriter(t)
	ctx := context.Background()
	require.NoError(t, w.Record(ctx, domain.SourceAbility, "ability.executed", "alice", "a", audit.Payload{"ability": "post/update-meta"}))
	require.NoError(t, w.Record(ctx, domain.SourceGovernance, "governance.findings_delivered", "", "b", nil))
	require.NoError(t, w.Record(ctx, domain.SourceAbility, "ability.failed", "bob", "c", nil))

	all, err := w.List(ctx, audit.Query{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].Message)
	assert.Equal(t, "a", all[2].Message)
	assert.Equal(t, "post/update-meta", all[2].Context["ability"])

	abilities, err := w.List(ctx, audit.Query{Source: domain.SourceAbility})
	require.NoError(t, err)
	assert.Len(t, abilities, 2)

	bob, err := w.List(ctx, audit.Query{ActorID: "bob"})
	require.NoError(t, err)
	require.Len(t, bob, 1)
	assert.Equal(t, "ability.failed", bob[0].EventType)

	page, err := w.List(ctx, audit.Query{BeforeID: all[0].ID, Limit: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "b", page[0].Message)

	n, err := w.Count(ctx, audit.Query{EventType: "ability.executed"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestConcurrentAppends(t *testing.T) {
	w := newWriter(t)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, w.Record(ctx, domain.SourceSystem, "system.test", "", fmt.Sprintf("m%d", i), nil))
		}(i)
	}
	wg.Wait()
	n, err := w.Count(ctx, audit.Query{})
	require.NoError(t, err)
	assert.Equal(t, 20, n)
}

func TestAppendSurfacesStoreErrors(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()
	mock.ExpectExec("INSERT INTO audit_log").WillReturnError(errors.New("disk full"))

	w := audit.Writer{DB: conn}
	_, err = w.Append(context.Background(), domain.AuditRecord{EventType: "x", Source: domain.SourceSystem})
	require.ErrorContains(t, err, "disk full")
	require.NoError(t, mock.ExpectationsWereMet())
}
