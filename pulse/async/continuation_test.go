package async

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/kairos/errors"
)

func newTestContinuations(t *testing.T) (*ContinuationManager, *Store, *fakeClock) {
	t.Helper()
	store, clock := newTestStore(t)
	return NewContinuationManager(store, zap.NewNop().Sugar()), store, clock
}

func TestContinuation_HeldWhileParentPending(t *testing.T) {
	m, store, clock := newTestContinuations(t)
	ctx := context.Background()
	mustCreate(t, store, newTestJob(t, clock, "parent", "test.noop"))

	child := newTestJob(t, clock, "child", "test.noop", withParent("parent"))
	require.NoError(t, m.Register(ctx, child))

	loaded := mustGet(t, store, "child")
	assert.Equal(t, StateAwaiting, loaded.State)
	assert.Nil(t, loaded.NextFireAt)
	assert.Equal(t, "parent", loaded.ParentID)

	released, err := m.Release(ctx, "parent")
	require.NoError(t, err)
	require.Len(t, released, 1)
	assert.Equal(t, StateScheduled, mustGet(t, store, "child").State)
}

func TestContinuation_ParentAlreadySucceeded(t *testing.T) {
	m, store, clock := newTestContinuations(t)
	ctx := context.Background()
	mustCreate(t, store, newTestJob(t, clock, "done", "test.noop"))
	startJob(t, store, clock, "done")
	_, err := store.MarkSucceeded(ctx, "done")
	require.NoError(t, err)

	require.NoError(t, m.Register(ctx, newTestJob(t, clock, "follow-up", "test.noop", withParent("done"))))

	child := mustGet(t, store, "follow-up")
	assert.Equal(t, StateScheduled, child.State)
	require.NotNil(t, child.NextFireAt)
	assert.WithinDuration(t, clock.Now(), *child.NextFireAt, 0)
}

func TestContinuation_ParentAlreadyFailed(t *testing.T) {
	m, store, clock := newTestContinuations(t)
	ctx := context.Background()
	mustCreate(t, store, newTestJob(t, clock, "broken", "test.noop"))
	startJob(t, store, clock, "broken")
	_, err := store.MarkFailed(ctx, "broken", errors.New("nope"))
	require.NoError(t, err)

	require.NoError(t, m.Register(ctx, newTestJob(t, clock, "never", "test.noop", withParent("broken"))))

	child := mustGet(t, store, "never")
	assert.Equal(t, StateDeleted, child.State)
	assert.Equal(t, "parent broken is failed", child.LastError)

	history, err := store.History(ctx, "never")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "created: parent broken is failed", history[0].Reason)
}

func TestContinuation_RecurringParentKeepsChildHeld(t *testing.T) {
	m, store, clock := newTestContinuations(t)
	ctx := context.Background()
	mustCreate(t, store, newTestJob(t, clock, "loop", "test.noop", withRule("every 60s")))
	startJob(t, store, clock, "loop")
	_, err := store.MarkSucceeded(ctx, "loop")
	require.NoError(t, err)

	require.NoError(t, m.Register(ctx, newTestJob(t, clock, "after-loop", "test.noop", withParent("loop"))))
	assert.Equal(t, StateAwaiting, mustGet(t, store, "after-loop").State,
		"a recurring parent's finished occurrence does not settle new children")
}

func TestContinuation_UnknownParent(t *testing.T) {
	m, store, clock := newTestContinuations(t)

	err := m.Register(context.Background(), newTestJob(t, clock, "orphan", "test.noop", withParent("ghost")))
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))

	exists, err := store.Exists(context.Background(), "orphan")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestContinuation_RequiresParent(t *testing.T) {
	m, _, clock := newTestContinuations(t)

	err := m.Register(context.Background(), newTestJob(t, clock, "lonely", "test.noop"))
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestContinuation_RejectsCycles(t *testing.T) {
	m, store, clock := newTestContinuations(t)
	ctx := context.Background()
	mustCreate(t, store, newTestJob(t, clock, "a", "test.noop"))
	require.NoError(t, m.Register(ctx, newTestJob(t, clock, "b", "test.noop", withParent("a"))))

	t.Run("chain back to child", func(t *testing.T) {
		err := m.Register(ctx, newTestJob(t, clock, "a", "test.noop", withParent("b")))
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrCyclicContinuation))
		assert.Contains(t, errors.FlattenDetails(err), "Chain: a -> b -> a")
	})

	t.Run("self parent", func(t *testing.T) {
		err := m.Register(ctx, newTestJob(t, clock, "a", "test.noop", withParent("a")))
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrCyclicContinuation))
	})

	assert.Equal(t, StateScheduled, mustGet(t, store, "a").State, "existing jobs untouched")
}

func TestContinuation_CancelCascadesToGrandchildren(t *testing.T) {
	m, store, clock := newTestContinuations(t)
	ctx := context.Background()
	mustCreate(t, store, newTestJob(t, clock, "root", "test.noop"))
	require.NoError(t, m.Register(ctx, newTestJob(t, clock, "child", "test.noop", withParent("root"))))
	require.NoError(t, m.Register(ctx, newTestJob(t, clock, "grandchild", "test.noop", withParent("child"))))
	require.NoError(t, m.Register(ctx, newTestJob(t, clock, "sibling", "test.noop", withParent("root"))))

	cancelled, err := m.Cancel(ctx, "root", "root failed")
	require.NoError(t, err)

	var ids []string
	for _, j := range cancelled {
		ids = append(ids, j.ID)
	}
	assert.ElementsMatch(t, []string{"child", "sibling", "grandchild"}, ids)

	for _, id := range ids {
		assert.Equal(t, StateDeleted, mustGet(t, store, id).State)
	}

	history, err := store.History(ctx, "grandchild")
	require.NoError(t, err)
	assert.Equal(t, "ancestor root cancelled: root failed", history[len(history)-1].Reason)
}

func TestContinuation_ReleaseLeavesGrandchildrenHeld(t *testing.T) {
	m, store, clock := newTestContinuations(t)
	ctx := context.Background()
	mustCreate(t, store, newTestJob(t, clock, "root", "test.noop"))
	require.NoError(t, m.Register(ctx, newTestJob(t, clock, "child", "test.noop", withParent("root"))))
	require.NoError(t, m.Register(ctx, newTestJob(t, clock, "grandchild", "test.noop", withParent("child"))))

	_, err := m.Release(ctx, "root")
	require.NoError(t, err)

	assert.Equal(t, StateScheduled, mustGet(t, store, "child").State)
	assert.Equal(t, StateAwaiting, mustGet(t, store, "grandchild").State)
}
