package content_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"steward/internal/content"
	"steward/internal/domain"
)

func TestMemoryPostsAndRevisions(t *testing.T) {
	now := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	m := content.NewMemory()
	m.Now = func() time.Time { return now }
	ctx := context.Background()

	m.PutPost(content.Post{ID: 1, Title: "Old", Status: content.StatusPublish, Modified: now.AddDate(-1, 0, 0)})
	m.PutPost(content.Post{ID: 2, Title: "Draft", Status: content.StatusDraft, Modified: now})
	m.PutRevision(content.Revision{ID: 10, PostID: 1, Title: "Older", Content: "v0"})

	published, err := m.ListPosts(ctx, content.PostQuery{Status: content.StatusPublish})
	require.NoError(t, err)
	require.Len(t, published, 1)

	stale, err := m.ListPosts(ctx, content.PostQuery{ModifiedBefore: now.AddDate(0, -6, 0)})
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, int64(1), stale[0].ID)

	p, err := m.UpdatePostMeta(ctx, 1, map[string]string{"seo_title": "x"})
	require.NoError(t, err)
	assert.Equal(t, "x", p.Meta["seo_title"])
	assert.Equal(t, now, p.Modified)

	p, err = m.RestoreRevision(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, "Older", p.Title)

	_, err = m.RestoreRevision(ctx, 99)
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = m.GetPost(ctx, 99)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMemoryMenuItems(t *testing.T) {
	m := content.NewMemory()
	a, err := m.CreateMenuItem(context.Background(), content.MenuItem{MenuID: 3, Title: "Home"})
	require.NoError(t, err)
	b, err := m.CreateMenuItem(context.Background(), content.MenuItem{MenuID: 3, Title: "Blog"})
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Len(t, m.MenuItems(3), 2)
}
