package ability_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"steward/internal/ability"
	"steward/internal/audit"
	"steward/internal/auth"
	"steward/internal/db"
	"steward/internal/domain"
	"steward/internal/migrate"
)

const menuSchema = `{
  "type": "object",
  "required": ["menu_id", "title"],
  "properties": {
    "menu_id": {"type": "integer", "minimum": 1},
    "title": {"type": "string", "minLength": 1},
    "url": {"type": "string"}
  }
}`

type fakeQueue struct {
	mu    sync.Mutex
	items []string
}

func (q *fakeQueue) Enqueue(_ context.Context, name string, _ map[string]any, _ auth.Actor) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, name)
	return "q-1", nil
}

type counter struct {
	mu    sync.Mutex
	calls int
}

func (c *counter) handler(result map[string]any, err error) ability.HandlerFunc {
	return func(context.Context, map[string]any, auth.Actor) (map[string]any, error) {
		c.mu.Lock()
		c.calls++
		c.mu.Unlock()
		return result, err
	}
}

type fixture struct {
	dispatcher *ability.Dispatcher
	audit      audit.Writer
	queue      *fakeQueue
	settings   ability.Settings
}

func newFixture(t *testing.T, descs ...ability.Descriptor) fixture {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)

	reg := ability.NewRegistry()
	for _, d := range descs {
		require.NoError(t, reg.Register(d))
	}
	now := func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	w := audit.Writer{DB: conn, Now: now}
	q := &fakeQueue{}
	settings := ability.Settings{DB: conn, Now: now}
	return fixture{
		dispatcher: &ability.Dispatcher{Registry: reg, Settings: settings, Queue: q, Audit: w},
		audit:      w,
		queue:      q,
		settings:   settings,
	}
}

func editor() auth.Actor {
	return auth.Actor{ID: "u1", Roles: []string{"editor"}, Capabilities: []string{"edit_posts", "edit_theme_options"}}
}

func auditCount(t *testing.T, w audit.Writer) int {
	t.Helper()
	n, err := w.Count(context.Background(), audit.Query{})
	require.NoError(t, err)
	return n
}

func TestDispatchExecutesOnceAndAudits(t *testing.T) {
	c := &counter{}
	f := newFixture(t, ability.Descriptor{
		Name: "post/update-meta", RequiredCapability: "edit_posts",
		SecretFields: []string{"license"},
		Handler:      c.handler(map[string]any{"post_id": 7, "updated": true}, nil),
	})
	ctx := context.Background()

	res, err := f.dispatcher.Dispatch(ctx, "post/update-meta", map[string]any{"post_id": 7, "license": "abc", "api_token": "t"}, editor())
	require.NoError(t, err)
	assert.Equal(t, ability.StatusExecuted, res.Status)
	assert.Equal(t, map[string]any{"post_id": 7, "updated": true}, res.Data)
	assert.Equal(t, 1, c.calls)

	recs, err := f.audit.List(ctx, audit.Query{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "ability.executed", recs[0].EventType)
	assert.Equal(t, domain.SourceAbility, recs[0].Source)
	assert.Equal(t, "u1", recs[0].ActorID)
	input := recs[0].Context["input"].(map[string]any)
	assert.Equal(t, "[redacted]", input["license"])
	assert.Equal(t, "[redacted]", input["api_token"])
	assert.EqualValues(t, 7, input["post_id"])
}

func TestInvalidInputIsIdempotentAndUnaudited(t *testing.T) {
	c := &counter{}
	f := newFixture(t, ability.Descriptor{
		Name: "menu/create-item", RequiredCapability: "edit_theme_options", RequiresApproval: true,
		InputSchema: menuSchema, Handler: c.handler(nil, nil),
	})
	ctx := context.Background()
	bad := map[string]any{"menu_id": 3}

	_, err1 := f.dispatcher.Dispatch(ctx, "menu/create-item", bad, editor())
	_, err2 := f.dispatcher.Dispatch(ctx, "menu/create-item", bad, editor())
	require.Error(t, err1)
	assert.True(t, domain.IsInvalidInput(err1))
	assert.Equal(t, err1.Error(), err2.Error())

	var ie domain.InvalidInputError
	require.True(t, errors.As(err1, &ie))
	assert.Equal(t, "menu/create-item", ie.Ability)

	assert.Zero(t, c.calls)
	assert.Empty(t, f.queue.items)
	assert.Zero(t, auditCount(t, f.audit))
}

func TestRejectionsHappenBeforeSideEffects(t *testing.T) {
	c := &counter{}
	f := newFixture(t, ability.Descriptor{
		Name: "revision/restore", RequiredCapability: "edit_others_posts", Handler: c.handler(nil, nil),
	}, ability.Descriptor{
		Name: "post/update-meta", RequiredCapability: "edit_posts", Handler: c.handler(nil, nil),
	})
	ctx := context.Background()

	_, err := f.dispatcher.Dispatch(ctx, "nope/missing", nil, editor())
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.dispatcher.Dispatch(ctx, "revision/restore", nil, editor())
	require.ErrorIs(t, err, domain.ErrForbidden)

	require.NoError(t, f.settings.SetEnabled(ctx, "post/update-meta", false))
	_, err = f.dispatcher.Dispatch(ctx, "post/update-meta", nil, editor())
	require.ErrorIs(t, err, domain.ErrNotFound)

	assert.Zero(t, c.calls)
	assert.Zero(t, auditCount(t, f.audit))
}

func TestApprovalRequiredDefers(t *testing.T) {
	c := &counter{}
	f := newFixture(t, ability.Descriptor{
		Name: "menu/create-item", RequiredCapability: "edit_theme_options", RequiresApproval: true,
		InputSchema: menuSchema, Handler: c.handler(map[string]any{"item_id": 1}, nil),
	})
	res, err := f.dispatcher.Dispatch(context.Background(), "menu/create-item",
		map[string]any{"menu_id": 3, "title": "Home"}, editor())
	require.NoError(t, err)
	assert.Equal(t, ability.StatusDeferred, res.Status)
	assert.Equal(t, "q-1", res.QueueID)
	assert.Equal(t, []string{"menu/create-item"}, f.queue.items)
	assert.Zero(t, c.calls)
}

func TestExemptActorSkipsQueue(t *testing.T) {
	c := &counter{}
	f := newFixture(t, ability.Descriptor{
		Name: "menu/create-item", RequiredCapability: "edit_theme_options", RequiresApproval: true,
		Handler: c.handler(map[string]any{"item_id": 1}, nil),
	})
	ex, err := ability.NewExemptions([]string{`ability == "menu/create-item" && "administrator" in actor.roles`})
	require.NoError(t, err)
	f.dispatcher.Exemptions = ex

	admin := auth.Actor{ID: "root", Roles: []string{"administrator"}, Capabilities: []string{"edit_theme_options"}}
	res, err := f.dispatcher.Dispatch(context.Background(), "menu/create-item", nil, admin)
	require.NoError(t, err)
	assert.Equal(t, ability.StatusExecuted, res.Status)
	assert.Equal(t, 1, c.calls)

	res, err = f.dispatcher.Dispatch(context.Background(), "menu/create-item", nil, editor())
	require.NoError(t, err)
	assert.Equal(t, ability.StatusDeferred, res.Status)
	assert.Equal(t, 1, c.calls)
}

func TestHandlerErrorsBecomeUpstreamFailures(t *testing.T) {
	c := &counter{}
	f := newFixture(t, ability.Descriptor{
		Name: "post/update-meta", RequiredCapability: "edit_posts",
		Handler: c.handler(map[string]any{"error": "post 9 is locked"}, nil),
	}, ability.Descriptor{
		Name: "post/delete-meta", RequiredCapability: "edit_posts",
		Handler: c.handler(nil, errors.New("db timeout")),
	})
	ctx := context.Background()

	_, err := f.dispatcher.Dispatch(ctx, "post/update-meta", nil, editor())
	require.Error(t, err)
	assert.True(t, domain.IsUpstream(err))
	assert.Equal(t, "post 9 is locked", err.Error())

	_, err = f.dispatcher.Dispatch(ctx, "post/delete-meta", nil, editor())
	require.Error(t, err)
	assert.True(t, domain.IsUpstream(err))

	recs, err := f.audit.List(ctx, audit.Query{EventType: "ability.failed"})
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestHandlerForbiddenPassesThrough(t *testing.T) {
	f := newFixture(t, ability.Descriptor{
		Name: "post/update-meta", RequiredCapability: "edit_posts",
		Handler: ability.HandlerFunc(func(_ context.Context, _ map[string]any, a auth.Actor) (map[string]any, error) {
			return nil, auth.ForbiddenError{Capability: "edit_others_posts", ActorID: a.ID}
		}),
	})
	_, err := f.dispatcher.Dispatch(context.Background(), "post/update-meta", nil, editor())
	require.ErrorIs(t, err, domain.ErrForbidden)
	assert.Zero(t, auditCount(t, f.audit))
}

func TestExecuteApprovedBypassesGate(t *testing.T) {
	c := &counter{}
	f := newFixture(t, ability.Descriptor{
		Name: "menu/create-item", RequiredCapability: "edit_theme_options", RequiresApproval: true,
		Handler: c.handler(map[string]any{"item_id": 4}, nil),
	})
	data, err := f.dispatcher.ExecuteApproved(context.Background(), domain.QueueItem{
		ID: "q", AbilityName: "menu/create-item", ActorID: "u1",
	})
	require.NoError(t, err)
	assert.Equal(t, 4, data["item_id"])
	assert.Equal(t, 1, c.calls)
	assert.Empty(t, f.queue.items)

	_, err = f.dispatcher.ExecuteApproved(context.Background(), domain.QueueItem{AbilityName: "gone/away"})
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestHandlerPanicIsUpstreamFailure(t *testing.T) {
	f := newFixture(t, ability.Descriptor{
		Name: "post/update-meta", RequiredCapability: "edit_posts",
		Handler: ability.HandlerFunc(func(context.Context, map[string]any, auth.Actor) (map[string]any, error) {
			panic("boom")
		}),
	})
	_, err := f.dispatcher.Dispatch(context.Background(), "post/update-meta", nil, editor())
	require.Error(t, err)
	assert.True(t, domain.IsUpstream(err))
}
