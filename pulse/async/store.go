package async

import (
	"cmp"
	"context"
	"database/sql"
	"fmt"
	"iter"
	"slices"
	"strings"
	"time"

	"github.com/teranos/kairos/db"
	"github.com/teranos/kairos/errors"
	"github.com/teranos/kairos/pulse/schedule"
)

// JobStore is the persistence contract of the scheduler.
//
// Every state change is a conditional write: it fails with errors.ErrNotFound
// for unknown ids and errors.ErrInvalidTransition when the current state does
// not permit the move, leaving the job unchanged. Writes are durable before
// the call returns.
type JobStore interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	Exists(ctx context.Context, id string) (bool, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, filter ListFilter) iter.Seq2[*Job, error]
	History(ctx context.Context, id string) ([]Transition, error)
	Stats(ctx context.Context) (Stats, error)

	// ClaimDue atomically moves up to limit due scheduled jobs to enqueued.
	// Concurrent callers never receive the same job.
	ClaimDue(ctx context.Context, limit int, now time.Time, claimedBy string) ([]*Job, error)
	PromoteRetries(ctx context.Context, now time.Time) ([]*Job, error)
	RequeueOrphaned(ctx context.Context) ([]*Job, error)

	MarkProcessing(ctx context.Context, id string) (*Job, error)
	MarkSucceeded(ctx context.Context, id string) (*Job, error)
	MarkFailed(ctx context.Context, id string, cause error) (*Job, error)
	MarkRetrying(ctx context.Context, id string, nextFireAt time.Time, cause error) (*Job, error)
	Unclaim(ctx context.Context, id string) (*Job, error)
	Reschedule(ctx context.Context, id string, nextFireAt time.Time) (*Job, error)
	Cancel(ctx context.Context, id string, reason string) (*Job, error)

	ReleaseChildren(ctx context.Context, parentID string) ([]*Job, error)
	CancelChildren(ctx context.Context, parentID string, reason string) ([]*Job, error)

	UpdateRecurring(ctx context.Context, job *Job) (*Job, error)
	Cleanup(ctx context.Context, olderThan time.Time) (int64, error)
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	States   []JobState
	ParentID string
	PageSize int
}

// DefaultPageSize is the number of rows List reads per query
const DefaultPageSize = 100

// Stats summarises the store
type Stats struct {
	Counts     map[JobState]int `json:"counts"`
	Total      int              `json:"total"`
	NextFireAt *time.Time       `json:"next_fire_at,omitempty"` // earliest scheduled fire time
}

// Store is the sqlite JobStore
type Store struct {
	db    *sql.DB
	clock func() time.Time
}

// StoreOption configures a Store
type StoreOption func(*Store)

// WithClock replaces time.Now for timestamps written by the store
func WithClock(clock func() time.Time) StoreOption {
	return func(s *Store) {
		s.clock = clock
	}
}

// NewStore creates a job store over a migrated database
func NewStore(database *sql.DB, opts ...StoreOption) *Store {
	s := &Store{db: database, clock: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) now() time.Time {
	return s.clock().UTC()
}

// Create persists a new job in its initial state (scheduled, awaiting, or
// deleted for a continuation whose parent already failed).
func (s *Store) Create(ctx context.Context, job *Job) error {
	switch job.State {
	case StateScheduled, StateAwaiting, StateDeleted:
	default:
		return errors.Wrapf(errors.ErrInvalidRequest, "job %s cannot be created in state %s", job.ID, job.State)
	}
	if rule := job.RecurrenceRule(); rule != "" {
		if err := schedule.Validate(rule); err != nil {
			return err
		}
	}

	now := s.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (
				id, handler_name, payload, state, next_fire_at,
				attempt_count, max_attempts, retry_delays_ms, timeout_ms,
				parent_id, recurrence_rule, last_error, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			job.ID,
			job.HandlerName,
			string(job.Payload),
			string(job.State),
			formatTimePtr(job.NextFireAt),
			job.Retry.MaxAttempts,
			encodeDelays(job.Retry),
			job.Timeout.Milliseconds(),
			nullString(job.ParentID),
			nullString(job.RecurrenceRule()),
			nullString(job.LastError),
			formatTime(job.CreatedAt),
			formatTime(job.UpdatedAt),
		)
		if err != nil {
			if db.IsUniqueViolation(err) {
				return errors.WithDetailf(errors.Wrapf(errors.ErrDuplicateID, "job %s", job.ID), "Job ID: %s", job.ID)
			}
			err = errors.Wrap(err, "failed to create job")
			err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
			return errors.WithDetail(err, fmt.Sprintf("Handler: %s", job.HandlerName))
		}
		reason := "created"
		if job.LastError != "" {
			reason = "created: " + job.LastError
		}
		return insertTransition(ctx, tx, Transition{JobID: job.ID, To: job.State, Reason: reason, At: now})
	})
}

// Get retrieves a job by id
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+StandardJobSelectColumns()+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("job %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get job %s", id)
	}
	return job, nil
}

// Exists reports whether a job id is taken, including deleted jobs
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "failed to check job %s", id)
	}
	return true, nil
}

// Delete removes a job and its history. Jobs held by a worker are refused;
// cancel them first. Awaiting continuations of the job, and theirs in turn,
// are moved to deleted in the same transaction.
func (s *Store) Delete(ctx context.Context, id string) error {
	now := s.now()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var state string
		err := tx.QueryRowContext(ctx, `SELECT state FROM jobs WHERE id = ?`, id).Scan(&state)
		if err == sql.ErrNoRows {
			return errors.NewNotFoundError("job %s", id)
		}
		if err != nil {
			return errors.Wrapf(err, "failed to read job %s", id)
		}
		if st := JobState(state); st == StateEnqueued || st == StateProcessing {
			return errors.WithHint(
				errors.NewInvalidTransitionError(id, state, "removed"),
				"cancel the job and wait for its worker to report before deleting it",
			)
		}

		reason := "parent " + id + " removed"
		for parents := []string{id}; len(parents) > 0; {
			parent := parents[0]
			parents = parents[1:]
			cancelled, err := transitionWhere(ctx, tx, bulkTransition{
				from:   StateAwaiting,
				to:     StateDeleted,
				reason: reason,
				at:     now,
				set:    ", next_fire_at = NULL",
				where:  "parent_id = ?",
				args:   []interface{}{parent},
			})
			if err != nil {
				return errors.Wrapf(err, "failed to cancel continuations of %s", parent)
			}
			for _, child := range cancelled {
				parents = append(parents, child.ID)
			}
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id); err != nil {
			return errors.Wrapf(err, "failed to delete job %s", id)
		}
		return nil
	})
}

// List returns a lazy, restartable sequence of jobs ordered by creation.
// Rows are read a page at a time and released between pages, so the caller
// may issue other store calls while ranging.
func (s *Store) List(ctx context.Context, filter ListFilter) iter.Seq2[*Job, error] {
	pageSize := filter.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	return func(yield func(*Job, error) bool) {
		var after *Job
		for {
			page, err := s.listPage(ctx, filter, after, pageSize)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, job := range page {
				if !yield(job, nil) {
					return
				}
			}
			if len(page) < pageSize {
				return
			}
			after = page[len(page)-1]
		}
	}
}

func (s *Store) listPage(ctx context.Context, filter ListFilter, after *Job, limit int) ([]*Job, error) {
	var where []string
	var args []interface{}

	if len(filter.States) > 0 {
		where = append(where, "state IN ("+placeholders(len(filter.States))+")")
		for _, st := range filter.States {
			args = append(args, string(st))
		}
	}
	if filter.ParentID != "" {
		where = append(where, "parent_id = ?")
		args = append(args, filter.ParentID)
	}
	if after != nil {
		created := formatTime(after.CreatedAt)
		where = append(where, "(created_at > ? OR (created_at = ? AND id > ?))")
		args = append(args, created, created, after.ID)
	}

	query := `SELECT ` + StandardJobSelectColumns() + ` FROM jobs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	return collectJobs(rows)
}

// History returns every recorded transition of a job, oldest first
func (s *Store) History(ctx context.Context, id string) ([]Transition, error) {
	exists, err := s.Exists(ctx, id)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, errors.NewNotFoundError("job %s", id)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, from_state, to_state, reason, at
		FROM job_state_history
		WHERE job_id = ?
		ORDER BY id
	`, id)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query history of job %s", id)
	}
	defer rows.Close()

	var history []Transition
	for rows.Next() {
		var tr Transition
		var from, reason sql.NullString
		var to, at string
		if err := rows.Scan(&tr.JobID, &from, &to, &reason, &at); err != nil {
			return nil, errors.Wrap(err, "failed to scan transition")
		}
		tr.From = JobState(from.String)
		tr.To = JobState(to)
		tr.Reason = reason.String
		if tr.At, err = parseTime(at); err != nil {
			return nil, err
		}
		history = append(history, tr)
	}
	return history, errors.Wrap(rows.Err(), "failed to iterate history")
}

// Stats counts jobs per state
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{Counts: make(map[JobState]int, len(AllStates))}
	for _, st := range AllStates {
		stats.Counts[st] = 0
	}

	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return stats, errors.Wrap(err, "failed to count jobs")
	}
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			rows.Close()
			return stats, errors.Wrap(err, "failed to scan job count")
		}
		stats.Counts[JobState(state)] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return stats, errors.Wrap(err, "failed to iterate job counts")
	}
	rows.Close()

	var next sql.NullString
	err = s.db.QueryRowContext(ctx,
		`SELECT MIN(next_fire_at) FROM jobs WHERE state = ?`, string(StateScheduled)).Scan(&next)
	if err != nil {
		return stats, errors.Wrap(err, "failed to read next fire time")
	}
	if next.Valid {
		t, err := parseTime(next.String)
		if err != nil {
			return stats, err
		}
		stats.NextFireAt = &t
	}
	return stats, nil
}

// ClaimDue moves due scheduled jobs to enqueued in one conditional UPDATE.
// The state guard on the outer statement makes the claim a compare-and-set:
// a row claimed by a concurrent caller no longer matches.
func (s *Store) ClaimDue(ctx context.Context, limit int, now time.Time, claimedBy string) ([]*Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	var claimed []*Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		claimed, err = transitionWhere(ctx, tx, bulkTransition{
			from:   StateScheduled,
			to:     StateEnqueued,
			reason: "claimed by " + claimedBy,
			at:     now.UTC(),
			set:    ", claimed_by = ?",
			where: `id IN (
				SELECT id FROM jobs
				WHERE state = ? AND next_fire_at <= ?
				ORDER BY next_fire_at, id
				LIMIT ?)`,
			args: []interface{}{claimedBy, string(StateScheduled), formatTime(now), limit},
		})
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to claim due jobs")
	}
	slices.SortFunc(claimed, byFireTime)
	return claimed, nil
}

// PromoteRetries moves awaiting_retry jobs whose backoff has elapsed back to scheduled
func (s *Store) PromoteRetries(ctx context.Context, now time.Time) ([]*Job, error) {
	var promoted []*Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		promoted, err = transitionWhere(ctx, tx, bulkTransition{
			from:   StateAwaitingRetry,
			to:     StateScheduled,
			reason: "retry due",
			at:     now.UTC(),
			where:  "next_fire_at <= ?",
			args:   []interface{}{formatTime(now)},
		})
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to promote retries")
	}
	slices.SortFunc(promoted, byFireTime)
	return promoted, nil
}

// RequeueOrphaned returns jobs left enqueued or processing by a previous
// process to scheduled, due immediately. Execution is at-least-once.
func (s *Store) RequeueOrphaned(ctx context.Context) ([]*Job, error) {
	now := s.now()
	var requeued []*Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, from := range []JobState{StateEnqueued, StateProcessing} {
			jobs, err := transitionWhere(ctx, tx, bulkTransition{
				from:   from,
				to:     StateScheduled,
				reason: "orphan recovery",
				at:     now,
				set:    ", next_fire_at = ?, claimed_by = NULL",
				where:  "1 = 1",
				args:   []interface{}{formatTime(now)},
			})
			if err != nil {
				return err
			}
			requeued = append(requeued, jobs...)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to requeue orphaned jobs")
	}
	slices.SortFunc(requeued, byFireTime)
	return requeued, nil
}

// MarkProcessing records the start of an attempt and increments attempt_count
func (s *Store) MarkProcessing(ctx context.Context, id string) (*Job, error) {
	now := s.now()
	return s.transition(ctx, id, singleTransition{
		from:   []JobState{StateEnqueued},
		to:     StateProcessing,
		reason: "worker started",
		set:    ", attempt_count = attempt_count + 1, last_run_at = ?",
		args:   []interface{}{formatTime(now)},
	})
}

// MarkSucceeded records a successful attempt
func (s *Store) MarkSucceeded(ctx context.Context, id string) (*Job, error) {
	return s.transition(ctx, id, singleTransition{
		from:   []JobState{StateProcessing},
		to:     StateSucceeded,
		reason: "succeeded",
		set:    ", last_error = NULL, claimed_by = NULL",
	})
}

// MarkFailed records a terminal failure
func (s *Store) MarkFailed(ctx context.Context, id string, cause error) (*Job, error) {
	msg := causeMessage(cause)
	return s.transition(ctx, id, singleTransition{
		from:   []JobState{StateProcessing},
		to:     StateFailed,
		reason: msg,
		set:    ", last_error = ?, claimed_by = NULL, next_fire_at = NULL",
		args:   []interface{}{nullString(msg)},
	})
}

// MarkRetrying records a failed attempt that will fire again at nextFireAt
func (s *Store) MarkRetrying(ctx context.Context, id string, nextFireAt time.Time, cause error) (*Job, error) {
	msg := causeMessage(cause)
	return s.transition(ctx, id, singleTransition{
		from:   []JobState{StateProcessing},
		to:     StateAwaitingRetry,
		reason: msg,
		set:    ", last_error = ?, claimed_by = NULL, next_fire_at = ?",
		args:   []interface{}{nullString(msg), formatTime(nextFireAt)},
	})
}

// Unclaim returns an enqueued job that never started to scheduled
func (s *Store) Unclaim(ctx context.Context, id string) (*Job, error) {
	return s.transition(ctx, id, singleTransition{
		from:   []JobState{StateEnqueued},
		to:     StateScheduled,
		reason: "claim released",
		set:    ", claimed_by = NULL",
	})
}

// Reschedule starts the next occurrence of a recurring job after it
// succeeded or gave up. attempt_count restarts at zero for the new occurrence.
func (s *Store) Reschedule(ctx context.Context, id string, nextFireAt time.Time) (*Job, error) {
	return s.transition(ctx, id, singleTransition{
		from:             []JobState{StateSucceeded, StateFailed},
		to:               StateScheduled,
		reason:           "next occurrence",
		set:              ", next_fire_at = ?, attempt_count = 0, claimed_by = NULL",
		args:             []interface{}{formatTime(nextFireAt)},
		requireRecurring: true,
	})
}

// Cancel moves any live job to deleted. A recurring job is also cancelled
// from succeeded or failed, the states it passes through between runs.
// Outcome writes for a processing job cancelled here fail with
// errors.ErrInvalidTransition, so a late report cannot revive it.
func (s *Store) Cancel(ctx context.Context, id string, reason string) (*Job, error) {
	if reason == "" {
		reason = "cancelled"
	}
	return s.transition(ctx, id, singleTransition{
		from:          []JobState{StateAwaiting, StateScheduled, StateEnqueued, StateProcessing, StateAwaitingRetry},
		recurringFrom: []JobState{StateSucceeded, StateFailed},
		to:            StateDeleted,
		reason:        reason,
		set:           ", claimed_by = NULL, next_fire_at = NULL",
	})
}

// ReleaseChildren schedules every awaiting continuation of parentID, due now
func (s *Store) ReleaseChildren(ctx context.Context, parentID string) ([]*Job, error) {
	now := s.now()
	var released []*Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		released, err = transitionWhere(ctx, tx, bulkTransition{
			from:   StateAwaiting,
			to:     StateScheduled,
			reason: "parent " + parentID + " succeeded",
			at:     now,
			set:    ", next_fire_at = ?",
			where:  "parent_id = ?",
			args:   []interface{}{formatTime(now), parentID},
		})
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to release children of %s", parentID)
	}
	slices.SortFunc(released, byCreation)
	return released, nil
}

// CancelChildren deletes every awaiting continuation of parentID
func (s *Store) CancelChildren(ctx context.Context, parentID string, reason string) ([]*Job, error) {
	now := s.now()
	var cancelled []*Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		cancelled, err = transitionWhere(ctx, tx, bulkTransition{
			from:   StateAwaiting,
			to:     StateDeleted,
			reason: reason,
			at:     now,
			set:    ", next_fire_at = NULL",
			where:  "parent_id = ?",
			args:   []interface{}{parentID},
		})
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to cancel children of %s", parentID)
	}
	slices.SortFunc(cancelled, byCreation)
	return cancelled, nil
}

// UpdateRecurring replaces the definition of an existing recurring job.
// A scheduled job also takes the new next_fire_at; a running one keeps
// going and picks up the new rule when it is rescheduled.
func (s *Store) UpdateRecurring(ctx context.Context, job *Job) (*Job, error) {
	rule := job.RecurrenceRule()
	if rule == "" {
		return nil, errors.Wrapf(errors.ErrInvalidRequest, "job %s has no recurrence rule", job.ID)
	}
	if err := schedule.Validate(rule); err != nil {
		return nil, err
	}

	var updated *Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var state string
		var existingRule sql.NullString
		err := tx.QueryRowContext(ctx,
			`SELECT state, recurrence_rule FROM jobs WHERE id = ?`, job.ID).Scan(&state, &existingRule)
		if err == sql.ErrNoRows {
			return errors.NewNotFoundError("job %s", job.ID)
		}
		if err != nil {
			return errors.Wrapf(err, "failed to read job %s", job.ID)
		}
		if !existingRule.Valid || existingRule.String == "" || JobState(state) == StateDeleted {
			err := errors.Wrapf(errors.ErrDuplicateID, "job %s exists and is not an active recurring job", job.ID)
			return errors.WithDetailf(err, "Current state: %s", state)
		}

		nextFire := sql.NullString{}
		if JobState(state) == StateScheduled {
			nextFire = formatTimePtr(job.NextFireAt)
		}

		row := tx.QueryRowContext(ctx, `
			UPDATE jobs SET
				handler_name = ?, payload = ?, recurrence_rule = ?,
				max_attempts = ?, retry_delays_ms = ?, timeout_ms = ?,
				next_fire_at = COALESCE(?, next_fire_at), updated_at = ?
			WHERE id = ?
			RETURNING `+StandardJobSelectColumns(),
			job.HandlerName, string(job.Payload), rule,
			job.Retry.MaxAttempts, encodeDelays(job.Retry), job.Timeout.Milliseconds(),
			nextFire, formatTime(s.now()),
			job.ID,
		)
		updated, err = scanJob(row)
		if err != nil {
			return errors.Wrapf(err, "failed to update recurring job %s", job.ID)
		}
		return nil
	})
	return updated, err
}

// Cleanup removes finished one-shot jobs and deleted jobs last updated before olderThan
func (s *Store) Cleanup(ctx context.Context, olderThan time.Time) (int64, error) {
	var finished []interface{}
	for _, st := range AllStates {
		if st.IsTerminal() {
			finished = append(finished, string(st))
		}
	}
	args := append([]interface{}{formatTime(olderThan)}, finished...)
	args = append(args, string(StateDeleted))

	result, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE updated_at < ?
		AND state IN (`+placeholders(len(finished))+`)
		AND (recurrence_rule IS NULL OR state = ?)
	`, args...)
	if err != nil {
		return 0, errors.Wrap(err, "failed to clean up jobs")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to count cleaned up jobs")
	}
	return n, nil
}

// singleTransition moves one job by id
type singleTransition struct {
	from             []JobState
	to               JobState
	reason           string
	set              string // extra ", col = ?" assignments
	args             []interface{}
	requireRecurring bool
	recurringFrom    []JobState // extra source states accepted for recurring jobs
}

func (s *Store) transition(ctx context.Context, id string, t singleTransition) (*Job, error) {
	now := s.now()
	var job *Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var current string
		var rule sql.NullString
		err := tx.QueryRowContext(ctx,
			`SELECT state, recurrence_rule FROM jobs WHERE id = ?`, id).Scan(&current, &rule)
		if err == sql.ErrNoRows {
			return errors.NewNotFoundError("job %s", id)
		}
		if err != nil {
			return errors.Wrapf(err, "failed to read state of job %s", id)
		}

		from := JobState(current)
		recurring := rule.Valid && rule.String != ""
		permitted := slices.Contains(t.from, from) || (recurring && slices.Contains(t.recurringFrom, from))
		if !permitted || !CanTransition(from, t.to) {
			return errors.NewInvalidTransitionError(id, current, string(t.to))
		}
		if t.requireRecurring && !recurring {
			return errors.WithHint(
				errors.NewInvalidTransitionError(id, current, string(t.to)),
				"only recurring jobs are rescheduled",
			)
		}

		args := []interface{}{string(t.to), formatTime(now)}
		args = append(args, t.args...)
		args = append(args, id, current)
		row := tx.QueryRowContext(ctx,
			`UPDATE jobs SET state = ?, updated_at = ?`+t.set+
				` WHERE id = ? AND state = ? RETURNING `+StandardJobSelectColumns(),
			args...)
		if job, err = scanJob(row); err != nil {
			return errors.Wrapf(err, "failed to move job %s to %s", id, t.to)
		}
		return insertTransition(ctx, tx, Transition{JobID: id, From: from, To: t.to, Reason: t.reason, At: now})
	})
	return job, err
}

// bulkTransition moves every job in one state matching where
type bulkTransition struct {
	from   JobState
	to     JobState
	reason string
	at     time.Time
	set    string
	where  string
	args   []interface{} // set args, then where args
}

func transitionWhere(ctx context.Context, tx *sql.Tx, t bulkTransition) ([]*Job, error) {
	args := []interface{}{string(t.to), formatTime(t.at)}
	args = append(args, t.args...)
	args = append(args, string(t.from))

	rows, err := tx.QueryContext(ctx,
		`UPDATE jobs SET state = ?, updated_at = ?`+t.set+
			` WHERE `+t.where+` AND state = ? RETURNING `+StandardJobSelectColumns(),
		args...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to move %s jobs to %s", t.from, t.to)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}

	for _, job := range jobs {
		err := insertTransition(ctx, tx, Transition{JobID: job.ID, From: t.from, To: t.to, Reason: t.reason, At: t.at})
		if err != nil {
			return nil, err
		}
	}
	return jobs, nil
}

func insertTransition(ctx context.Context, tx *sql.Tx, tr Transition) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO job_state_history (job_id, from_state, to_state, reason, at)
		VALUES (?, ?, ?, ?, ?)
	`, tr.JobID, nullString(string(tr.From)), string(tr.To), nullString(tr.Reason), formatTime(tr.At))
	if err != nil {
		return errors.Wrapf(err, "failed to record transition of job %s", tr.JobID)
	}
	return nil
}

// collectJobs drains and closes rows
func collectJobs(rows *sql.Rows) ([]*Job, error) {
	defer rows.Close()
	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate jobs")
	}
	return jobs, nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func causeMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func byFireTime(a, b *Job) int {
	switch {
	case a.NextFireAt == nil && b.NextFireAt != nil:
		return 1
	case a.NextFireAt != nil && b.NextFireAt == nil:
		return -1
	case a.NextFireAt != nil && b.NextFireAt != nil:
		if c := a.NextFireAt.Compare(*b.NextFireAt); c != 0 {
			return c
		}
	}
	return cmp.Compare(a.ID, b.ID)
}

func byCreation(a, b *Job) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}
