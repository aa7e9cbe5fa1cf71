package async

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/kairos/errors"
	"github.com/teranos/kairos/logger"
)

// ContinuationManager holds continuation children until their parent
// finishes. The graph is the parent_id index in the store; children never
// reference more than one parent, so it is a forest.
type ContinuationManager struct {
	store  JobStore
	logger *zap.SugaredLogger
}

// NewContinuationManager creates a manager writing through store
func NewContinuationManager(store JobStore, log *zap.SugaredLogger) *ContinuationManager {
	if log == nil {
		log = logger.Logger
	}
	return &ContinuationManager{store: store, logger: log.Named("continuations")}
}

// Register persists child as a continuation of child.ParentID.
//
// The child is held in awaiting while the parent can still succeed. If the
// parent already succeeded the child is scheduled immediately; if the parent
// already failed or was cancelled the child is created deleted, with the
// reason recorded. Chains that lead back to the child fail with
// errors.ErrCyclicContinuation.
func (m *ContinuationManager) Register(ctx context.Context, child *Job) error {
	if child.ParentID == "" {
		return errors.Wrapf(errors.ErrInvalidRequest, "continuation %s has no parent", child.ID)
	}

	parent, err := m.store.Get(ctx, child.ParentID)
	if err != nil {
		return errors.Wrapf(err, "failed to load parent of continuation %s", child.ID)
	}
	if err := m.checkCycle(ctx, child, parent); err != nil {
		return err
	}

	child.LastError = ""
	switch {
	case parent.State == StateSucceeded && !parent.IsRecurring():
		child.State = StateScheduled
	case parent.State == StateDeleted || (parent.State == StateFailed && !parent.IsRecurring()):
		child.State = StateDeleted
		child.NextFireAt = nil
		child.LastError = fmt.Sprintf("parent %s is %s", parent.ID, parent.State)
	default:
		child.State = StateAwaiting
		child.NextFireAt = nil
	}

	if err := m.store.Create(ctx, child); err != nil {
		return err
	}
	m.logger.Debugw("Registered continuation",
		logger.FieldJobID, child.ID,
		logger.FieldParentID, parent.ID,
		logger.FieldState, child.State)

	if child.State != StateAwaiting {
		return nil
	}

	// The parent may have finished between the read above and the insert.
	// Release and cancel only touch awaiting children, so settling again is safe.
	current, err := m.store.Get(ctx, parent.ID)
	if err != nil {
		return errors.Wrapf(err, "failed to re-read parent %s", parent.ID)
	}
	if current.IsRecurring() {
		return nil
	}
	switch current.State {
	case StateSucceeded:
		_, err = m.Release(ctx, parent.ID)
	case StateFailed, StateDeleted:
		_, err = m.Cancel(ctx, parent.ID, fmt.Sprintf("parent %s is %s", parent.ID, current.State))
	}
	return err
}

// checkCycle walks the parent chain from parent upwards and fails if it
// reaches the child. Ancestors already cleaned up end the walk.
func (m *ContinuationManager) checkCycle(ctx context.Context, child, parent *Job) error {
	chain := []string{child.ID}
	seen := map[string]bool{child.ID: true}

	for cur := parent; cur != nil; {
		chain = append(chain, cur.ID)
		if seen[cur.ID] {
			err := errors.Wrapf(errors.ErrCyclicContinuation, "job %s", child.ID)
			return errors.WithDetailf(err, "Chain: %s", strings.Join(chain, " -> "))
		}
		seen[cur.ID] = true

		if cur.ParentID == "" {
			return nil
		}
		next, err := m.store.Get(ctx, cur.ParentID)
		if errors.IsNotFoundError(err) {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "failed to walk continuation chain of %s", child.ID)
		}
		cur = next
	}
	return nil
}

// Release schedules every awaiting child of a parent that succeeded
func (m *ContinuationManager) Release(ctx context.Context, parentID string) ([]*Job, error) {
	released, err := m.store.ReleaseChildren(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if len(released) > 0 {
		m.logger.Infow("Released continuations",
			logger.FieldParentID, parentID,
			logger.FieldCount, len(released))
	}
	return released, nil
}

// Cancel deletes every awaiting descendant of a parent that will never
// succeed. Grandchildren are cancelled too since their parent never runs.
func (m *ContinuationManager) Cancel(ctx context.Context, parentID string, reason string) ([]*Job, error) {
	var all []*Job
	queue := []string{parentID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		why := reason
		if id != parentID {
			why = fmt.Sprintf("ancestor %s cancelled: %s", parentID, reason)
		}
		cancelled, err := m.store.CancelChildren(ctx, id, why)
		if err != nil {
			return all, err
		}
		for _, child := range cancelled {
			all = append(all, child)
			queue = append(queue, child.ID)
		}
	}

	if len(all) > 0 {
		m.logger.Infow("Cancelled continuations",
			logger.FieldParentID, parentID,
			logger.FieldCount, len(all),
			"reason", reason)
	}
	return all, nil
}
