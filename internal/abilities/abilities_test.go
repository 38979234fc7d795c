package abilities_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"steward/internal/abilities"
	"steward/internal/ability"
	"steward/internal/auth"
	"steward/internal/content"
	"steward/internal/domain"
)

type stubGateway struct {
	err error
}

func (s stubGateway) Send(_ context.Context, prompt, session string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return fmt.Sprintf("%s:%s", session, prompt), nil
}

func setup(t *testing.T, gw abilities.Sender) (*ability.Dispatcher, *content.Memory) {
	t.Helper()
	store := content.NewMemory()
	store.PutPost(content.Post{ID: 1, Title: "Hello", AuthorID: "author-1", Status: content.StatusPublish, Modified: time.Now()})
	store.PutRevision(content.Revision{ID: 5, PostID: 1, Title: "Hello v0", Content: "old"})
	reg := ability.NewRegistry()
	require.NoError(t, abilities.Register(reg, abilities.Deps{Content: store, Gateway: gw}))
	return &ability.Dispatcher{Registry: reg}, store
}

func TestRegisterCatalog(t *testing.T) {
	d, _ := setup(t, stubGateway{})
	var names []string
	for _, desc := range d.Registry.List() {
		names = append(names, desc.Name)
	}
	assert.Equal(t, []string{"ai/chat", "menu/create-item", "post/update-meta", "revision/restore"}, names)

	desc, ok := d.Registry.Lookup("menu/create-item")
	require.True(t, ok)
	assert.True(t, desc.RequiresApproval)
}

func TestUpdateMetaChecksOwnership(t *testing.T) {
	d, store := setup(t, nil)
	ctx := context.Background()
	input := map[string]any{"post_id": 1, "meta": map[string]any{"seo_title": "Hi"}}

	other := auth.Actor{ID: "author-2", Capabilities: []string{"edit_posts"}}
	_, err := d.Dispatch(ctx, "post/update-meta", input, other)
	require.ErrorIs(t, err, domain.ErrForbidden)

	owner := auth.Actor{ID: "author-1", Capabilities: []string{"edit_posts"}}
	res, err := d.Dispatch(ctx, "post/update-meta", input, owner)
	require.NoError(t, err)
	assert.Equal(t, []string{"seo_title"}, res.Data["updated_keys"])

	p, err := store.GetPost(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "Hi", p.Meta["seo_title"])
}

func TestRestoreMissingRevisionIsUpstreamFailure(t *testing.T) {
	d, _ := setup(t, nil)
	_, err := d.ExecuteApproved(context.Background(), domain.QueueItem{
		AbilityName: "revision/restore", ActorID: "admin", Input: map[string]any{"revision_id": float64(99)},
	})
	require.Error(t, err)
	assert.True(t, domain.IsUpstream(err))

	data, err := d.ExecuteApproved(context.Background(), domain.QueueItem{
		AbilityName: "revision/restore", ActorID: "admin", Input: map[string]any{"revision_id": float64(5)},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), data["post_id"])
}

func TestChatFailsFastWhenUnavailable(t *testing.T) {
	actor := auth.Actor{ID: "u", Capabilities: []string{"use_ai"}}
	d, _ := setup(t, stubGateway{err: domain.ErrUnavailable})
	_, err := d.Dispatch(context.Background(), "ai/chat", map[string]any{"prompt": "hi"}, actor)
	require.ErrorIs(t, err, domain.ErrUnavailable)
	assert.Contains(t, err.Error(), "temporarily unavailable")

	d, _ = setup(t, stubGateway{})
	res, err := d.Dispatch(context.Background(), "ai/chat", map[string]any{"prompt": "hi"}, actor)
	require.NoError(t, err)
	assert.Equal(t, "u:hi", res.Data["reply"])
}

func TestMenuSchemaRejectsExtraFields(t *testing.T) {
	d, _ := setup(t, nil)
	actor := auth.Actor{ID: "u", Capabilities: []string{"edit_theme_options"}}
	_, err := d.Dispatch(context.Background(), "menu/create-item",
		map[string]any{"menu_id": 1, "title": "x", "color": "red"}, actor)
	require.Error(t, err)
	assert.True(t, domain.IsInvalidInput(err))
}
