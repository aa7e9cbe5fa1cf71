package async

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/teranos/kairos/errors"
	"github.com/teranos/kairos/internal/util"
	"github.com/teranos/kairos/pulse/retry"
)

// TimeLayout is the stored timestamp format. Fixed width UTC keeps lexical
// order equal to time order, which the (state, next_fire_at) index relies on.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "invalid stored timestamp %q", s)
	}
	return t, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return util.Ptr(t), nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// JobScanArgs holds the nullable and encoded columns of a job row
type JobScanArgs struct {
	Payload        string
	State          string
	NextFireAt     sql.NullString
	RetryDelaysMS  string
	TimeoutMS      int64
	ParentID       sql.NullString
	RecurrenceRule sql.NullString
	LastError      sql.NullString
	ClaimedBy      sql.NullString
	CreatedAt      string
	UpdatedAt      string
	LastRunAt      sql.NullString
}

// GetJobScanTargets returns scan destinations in StandardJobSelectColumns order
func GetJobScanTargets(job *Job, args *JobScanArgs) []interface{} {
	return []interface{}{
		&job.ID,
		&job.HandlerName,
		&args.Payload,
		&args.State,
		&args.NextFireAt,
		&job.AttemptCount,
		&job.Retry.MaxAttempts,
		&args.RetryDelaysMS,
		&args.TimeoutMS,
		&args.ParentID,
		&args.RecurrenceRule,
		&args.LastError,
		&args.ClaimedBy,
		&args.CreatedAt,
		&args.UpdatedAt,
		&args.LastRunAt,
	}
}

// ProcessJobScanArgs decodes the scanned columns into the job
func ProcessJobScanArgs(job *Job, args *JobScanArgs) error {
	job.Payload = json.RawMessage(args.Payload)
	job.State = JobState(args.State)
	job.Timeout = time.Duration(args.TimeoutMS) * time.Millisecond
	job.ParentID = args.ParentID.String
	job.LastError = args.LastError.String
	job.ClaimedBy = args.ClaimedBy.String

	if args.RecurrenceRule.Valid && args.RecurrenceRule.String != "" {
		job.Trigger = Recurring{Rule: args.RecurrenceRule.String}
	} else {
		job.Trigger = OneShot{}
	}

	var delaysMS []int64
	if err := json.Unmarshal([]byte(args.RetryDelaysMS), &delaysMS); err != nil {
		return errors.Wrapf(err, "failed to decode retry delays for job %s", job.ID)
	}
	job.Retry.Delays = make([]time.Duration, len(delaysMS))
	for i, ms := range delaysMS {
		job.Retry.Delays[i] = time.Duration(ms) * time.Millisecond
	}

	var err error
	if job.CreatedAt, err = parseTime(args.CreatedAt); err != nil {
		return err
	}
	if job.UpdatedAt, err = parseTime(args.UpdatedAt); err != nil {
		return err
	}
	if job.NextFireAt, err = parseNullTime(args.NextFireAt); err != nil {
		return err
	}
	job.LastRunAt, err = parseNullTime(args.LastRunAt)
	return err
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanJob scans one job from a row in StandardJobSelectColumns order
func scanJob(row rowScanner) (*Job, error) {
	job := &Job{}
	args := &JobScanArgs{}
	if err := row.Scan(GetJobScanTargets(job, args)...); err != nil {
		return nil, err
	}
	if err := ProcessJobScanArgs(job, args); err != nil {
		return nil, err
	}
	return job, nil
}

// StandardJobSelectColumns returns the column list for job SELECT and RETURNING clauses
func StandardJobSelectColumns() string {
	return `id, handler_name, payload, state, next_fire_at,
		attempt_count, max_attempts, retry_delays_ms, timeout_ms,
		parent_id, recurrence_rule, last_error, claimed_by,
		created_at, updated_at, last_run_at`
}

// encodeDelays stores a retry sequence as a JSON array of milliseconds
func encodeDelays(p retry.Policy) string {
	ms := make([]int64, len(p.Delays))
	for i, d := range p.Delays {
		ms[i] = d.Milliseconds()
	}
	b, _ := json.Marshal(ms)
	return string(b)
}
