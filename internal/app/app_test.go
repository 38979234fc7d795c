package app_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"steward/internal/ability"
	"steward/internal/app"
	"steward/internal/audit"
	"steward/internal/auth"
	"steward/internal/config"
	"steward/internal/content"
	"steward/internal/domain"
)

type flakyBackend struct{ fail bool }

func (f *flakyBackend) Name() string { return "flaky" }

func (f *flakyBackend) Send(_ context.Context, prompt, _ string) (string, error) {
	if f.fail {
		return "", errors.New("upstream 503")
	}
	return "re: " + prompt, nil
}

func openApp(t *testing.T, backend *flakyBackend) (*app.App, *content.Memory) {
	t.Helper()
	store := content.NewMemory()
	opts := app.Options{Workspace: t.TempDir(), Config: config.Default(), Content: store}
	if backend != nil {
		opts.Backend = backend
	}
	a, err := app.Open(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a, store
}

func admin(t *testing.T, a *app.App) auth.Actor {
	t.Helper()
	actor, err := a.Resolver.Actor("root", []string{"administrator"})
	require.NoError(t, err)
	return actor
}

func TestOpenWiresCatalog(t *testing.T) {
	a, _ := openApp(t, nil)
	infos, err := a.Abilities(context.Background())
	require.NoError(t, err)
	var names []string
	for _, i := range infos {
		names = append(names, i.Name)
		assert.True(t, i.Enabled)
	}
	assert.Equal(t, []string{"menu/create-item", "post/update-meta", "revision/restore"}, names,
		"ai/chat needs a gateway backend")

	var keys []string
	for _, task := range a.Runner.Tasks(context.Background()) {
		keys = append(keys, task.Key)
	}
	assert.Equal(t, []string{"broken-links", "pending-approvals", "stale-content"}, keys)
}

func TestMenuItemFlowsThroughApproval(t *testing.T) {
	a, store := openApp(t, nil)
	ctx := context.Background()
	agent, err := a.Resolver.Actor("agent-7", []string{"agent"})
	require.NoError(t, err)

	res, err := a.Dispatcher.Dispatch(ctx, "menu/create-item", map[string]any{"menu_id": 2, "title": "Docs"}, agent)
	require.NoError(t, err)
	require.Equal(t, ability.StatusDeferred, res.Status)
	assert.Empty(t, store.MenuItems(2))

	data, err := a.Queue.Approve(ctx, res.QueueID, "root")
	require.NoError(t, err)
	assert.Equal(t, "Docs", data["title"])
	assert.Len(t, store.MenuItems(2), 1)

	recs, err := a.Audit.List(ctx, audit.Query{Source: domain.SourceAbility})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "approval.approved_and_executed", recs[0].EventType)
	assert.Equal(t, "approval.queued", recs[1].EventType)
}

func TestDisableAbilityIsAudited(t *testing.T) {
	a, _ := openApp(t, nil)
	ctx := context.Background()
	root := admin(t, a)

	require.NoError(t, a.SetAbilityEnabled(ctx, "post/update-meta", false, root))
	_, err := a.Dispatcher.Dispatch(ctx, "post/update-meta", map[string]any{"post_id": 1, "meta": map[string]any{"k": "v"}}, root)
	require.ErrorIs(t, err, domain.ErrNotFound)

	err = a.SetAbilityEnabled(ctx, "post/update-meta", true, auth.Actor{ID: "nobody"})
	require.ErrorIs(t, err, domain.ErrForbidden)
	err = a.SetAbilityEnabled(ctx, "nope/nope", true, root)
	require.ErrorIs(t, err, domain.ErrNotFound)

	n, err := a.Audit.Count(ctx, audit.Query{EventType: "ability.disabled"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestGatewayBreakerAndCacheFlush(t *testing.T) {
	backend := &flakyBackend{}
	a, _ := openApp(t, backend)
	ctx := context.Background()
	root := admin(t, a)

	res, err := a.Dispatcher.Dispatch(ctx, "ai/chat", map[string]any{"prompt": "hello"}, root)
	require.NoError(t, err)
	assert.Equal(t, "re: hello", res.Data["reply"])

	n, err := a.FlushCache(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	backend.fail = true
	for i := 0; i < 3; i++ {
		_, err = a.Dispatcher.Dispatch(ctx, "ai/chat", map[string]any{"prompt": "again"}, root)
		require.Error(t, err)
		assert.True(t, domain.IsUpstream(err))
	}
	_, err = a.Dispatcher.Dispatch(ctx, "ai/chat", map[string]any{"prompt": "again"}, root)
	require.ErrorIs(t, err, domain.ErrUnavailable)
	assert.Equal(t, domain.CircuitOpen, a.Gateway.Status().Circuit.State)

	state, err := a.ResetCircuit(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, domain.CircuitClosed, state.State)
}

func TestFlagDisablesGovernanceTask(t *testing.T) {
	a, _ := openApp(t, nil)
	ctx := context.Background()
	_, err := a.SetFlag(ctx, "governance.broken-links", false, admin(t, a))
	require.NoError(t, err)
	for _, task := range a.Runner.Tasks(ctx) {
		if task.Key == "broken-links" {
			assert.False(t, task.Enabled)
		}
	}
}

func TestSchedulerJobs(t *testing.T) {
	a, _ := openApp(t, nil)
	s := a.Scheduler()
	require.Len(t, s.Jobs, 2)
	assert.Equal(t, time.Hour, s.Jobs[0].Interval)
	assert.Equal(t, 5*time.Minute, s.Jobs[1].Interval)
}
