package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/kairos/errors"
	"github.com/teranos/kairos/pulse"
	"github.com/teranos/kairos/pulse/async"
	"github.com/teranos/kairos/sym"
)

// JobCmd groups job submission and inspection
var JobCmd = &cobra.Command{
	Use:   "job",
	Short: sym.Job + " Submit, inspect and cancel jobs",
	Long: sym.Job + ` job - Submit, inspect and cancel jobs

Jobs are written to the database and executed by a running 'kairos pulse start'.
Arguments are JSON, given inline with --args or loaded from a .json, .toml or
.yaml file with --args-file.

Examples:
  kairos job enqueue shell.exec --args '{"command":"make backup"}'
  kairos job schedule shell.exec --delay 30m --args-file backup.toml
  kairos job recur shell.exec "0 3 * * *" --id nightly --args '{"command":"vacuum"}'
  kairos job continue <parent-id> shell.exec --args '{"command":"notify done"}'
  kairos job ls --state failed --state awaiting_retry
  kairos job history <id>`,
}

var jobEnqueueCmd = &cobra.Command{
	Use:   "enqueue <handler>",
	Short: "Submit a job that runs immediately",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSubmit(cmd, func(ctx context.Context, s *pulse.Scheduler, payload json.RawMessage, opts []pulse.JobOption) (string, error) {
			return s.Enqueue(ctx, args[0], payload, opts...)
		})
	},
}

var jobScheduleCmd = &cobra.Command{
	Use:   "schedule <handler>",
	Short: "Submit a job that runs after a delay",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		delay, _ := cmd.Flags().GetDuration("delay")
		return runSubmit(cmd, func(ctx context.Context, s *pulse.Scheduler, payload json.RawMessage, opts []pulse.JobOption) (string, error) {
			return s.Schedule(ctx, args[0], payload, delay, opts...)
		})
	},
}

var jobRecurCmd = &cobra.Command{
	Use:   "recur <handler> <rule>",
	Short: "Submit a recurring job",
	Long: `Submit a job that runs on every occurrence of a rule.

Rules are either intervals ("every 30 seconds", "every 2 hours") or cron
expressions ("*/5 * * * *", "@daily"). Cron rules use pulse.timezone.
Submitting again with the same --id replaces the rule and arguments.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSubmit(cmd, func(ctx context.Context, s *pulse.Scheduler, payload json.RawMessage, opts []pulse.JobOption) (string, error) {
			return s.ScheduleRecurring(ctx, args[0], payload, args[1], opts...)
		})
	},
}

var jobContinueCmd = &cobra.Command{
	Use:   "continue <parent-id> <handler>",
	Short: "Submit a job that runs after another job succeeds",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSubmit(cmd, func(ctx context.Context, s *pulse.Scheduler, payload json.RawMessage, opts []pulse.JobOption) (string, error) {
			return s.ContinueWith(ctx, args[0], args[1], payload, opts...)
		})
	},
}

var jobLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List jobs",
	RunE:  runJobLs,
}

var jobShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobShow,
}

var jobHistoryCmd = &cobra.Command{
	Use:   "history <id>",
	Short: "Show the state changes of a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobHistory,
}

var jobCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a job and its pending continuations",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobCancel,
}

var jobStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count jobs per state",
	RunE:  runJobStats,
}

func init() {
	for _, c := range []*cobra.Command{jobEnqueueCmd, jobScheduleCmd, jobRecurCmd, jobContinueCmd} {
		c.Flags().String("args", "", "Job arguments as JSON")
		c.Flags().String("args-file", "", "Read job arguments from a .json, .toml or .yaml file")
		c.Flags().String("id", "", "Job id (generated when empty; for recur, an existing id is updated)")
		c.Flags().Int("max-attempts", 0, "Retry ceiling (0 = pulse.max_attempts)")
		c.Flags().DurationSlice("retry-delay", nil, "Backoff between attempts, last value repeats (e.g. 10s,1m)")
		c.Flags().Duration("timeout", 0, "Per-attempt timeout (0 = pulse.job_timeout_seconds)")
	}
	jobScheduleCmd.Flags().Duration("delay", 0, "How long to wait before the job is due")
	_ = jobScheduleCmd.MarkFlagRequired("delay")

	jobLsCmd.Flags().StringSlice("state", nil, "Only list jobs in these states (repeatable)")
	jobLsCmd.Flags().Int("limit", 50, "Maximum number of jobs to list (0 = all)")
	jobLsCmd.Flags().String("parent", "", "Only list continuations of this job")
	jobCancelCmd.Flags().String("reason", "", "Reason recorded in the job history")

	JobCmd.PersistentFlags().Bool("json", false, "Print results as JSON")
	JobCmd.AddCommand(jobEnqueueCmd, jobScheduleCmd, jobRecurCmd, jobContinueCmd)
	JobCmd.AddCommand(jobLsCmd, jobShowCmd, jobHistoryCmd, jobCancelCmd, jobStatsCmd)
}

type submitFunc func(ctx context.Context, s *pulse.Scheduler, payload json.RawMessage, opts []pulse.JobOption) (string, error)

func runSubmit(cmd *cobra.Command, submit submitFunc) error {
	inline, _ := cmd.Flags().GetString("args")
	file, _ := cmd.Flags().GetString("args-file")
	payload, err := loadArgs(inline, file)
	if err != nil {
		return err
	}

	s, database, _, err := openScheduler()
	if err != nil {
		return err
	}
	defer database.Close()

	ctx := cmd.Context()
	id, err := submit(ctx, s, payload, submitOptions(cmd))
	if err != nil {
		return err
	}

	job, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if asJSON(cmd) {
		return printJSON(job)
	}
	pterm.Success.Printf("%s %s submitted (%s", sym.Job, job.ID, job.State)
	if job.NextFireAt != nil {
		fmt.Printf(", due %s", formatTime(job.NextFireAt))
	}
	fmt.Println(")")
	return nil
}

func submitOptions(cmd *cobra.Command) []pulse.JobOption {
	var opts []pulse.JobOption
	if id, _ := cmd.Flags().GetString("id"); id != "" {
		opts = append(opts, pulse.WithID(id))
	}
	if n, _ := cmd.Flags().GetInt("max-attempts"); n != 0 {
		opts = append(opts, pulse.WithMaxAttempts(n))
	}
	if cmd.Flags().Changed("retry-delay") {
		delays, _ := cmd.Flags().GetDurationSlice("retry-delay")
		opts = append(opts, pulse.WithRetryDelays(delays...))
	}
	if timeout, _ := cmd.Flags().GetDuration("timeout"); timeout > 0 {
		opts = append(opts, pulse.WithTimeout(timeout))
	}
	return opts
}

func runJobLs(cmd *cobra.Command, args []string) error {
	rawStates, _ := cmd.Flags().GetStringSlice("state")
	states, err := parseStates(rawStates)
	if err != nil {
		return err
	}
	limit, _ := cmd.Flags().GetInt("limit")
	parent, _ := cmd.Flags().GetString("parent")

	s, database, _, err := openScheduler()
	if err != nil {
		return err
	}
	defer database.Close()

	ctx := cmd.Context()
	seq := s.ListJobs(ctx, states...)
	if parent != "" {
		seq = s.Continuations(ctx, parent)
	}

	var jobs []*async.Job
	for job, err := range seq {
		if err != nil {
			return err
		}
		if parent != "" && len(states) > 0 && !containsState(states, job.State) {
			continue
		}
		jobs = append(jobs, job)
		if limit > 0 && len(jobs) >= limit {
			break
		}
	}

	if asJSON(cmd) {
		return printJSON(jobs)
	}
	if len(jobs) == 0 {
		pterm.Info.Println("No jobs")
		return nil
	}

	data := pterm.TableData{{"ID", "HANDLER", "STATE", "ATTEMPTS", "NEXT FIRE", "TRIGGER"}}
	for _, job := range jobs {
		data = append(data, []string{
			job.ID,
			job.HandlerName,
			colorState(job.State),
			fmt.Sprintf("%d/%d", job.AttemptCount, job.Retry.MaxAttempts),
			formatTime(job.NextFireAt),
			describeTrigger(job),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func runJobShow(cmd *cobra.Command, args []string) error {
	s, database, _, err := openScheduler()
	if err != nil {
		return err
	}
	defer database.Close()

	job, err := s.GetJob(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if asJSON(cmd) {
		return printJSON(job)
	}

	fmt.Printf("%s %s\n", sym.Job, job.ID)
	fmt.Printf("  Handler:     %s\n", job.HandlerName)
	fmt.Printf("  State:       %s\n", colorState(job.State))
	fmt.Printf("  Trigger:     %s\n", describeTrigger(job))
	fmt.Printf("  Attempts:    %d/%d\n", job.AttemptCount, job.Retry.MaxAttempts)
	fmt.Printf("  Next fire:   %s\n", formatTime(job.NextFireAt))
	fmt.Printf("  Last run:    %s\n", formatTime(job.LastRunAt))
	if job.ParentID != "" {
		fmt.Printf("  Parent:      %s\n", job.ParentID)
	}
	if job.Timeout > 0 {
		fmt.Printf("  Timeout:     %s\n", job.Timeout)
	}
	if job.ClaimedBy != "" {
		fmt.Printf("  Claimed by:  %s\n", job.ClaimedBy)
	}
	if len(job.Payload) > 0 {
		fmt.Printf("  Arguments:   %s\n", string(job.Payload))
	}
	if job.LastError != "" {
		fmt.Printf("  Last error:  %s\n", pterm.Red(job.LastError))
	}
	fmt.Printf("  Created:     %s\n", formatTime(&job.CreatedAt))
	return nil
}

func runJobHistory(cmd *cobra.Command, args []string) error {
	s, database, _, err := openScheduler()
	if err != nil {
		return err
	}
	defer database.Close()

	history, err := s.History(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if asJSON(cmd) {
		return printJSON(history)
	}

	data := pterm.TableData{{"AT", "FROM", "TO", "REASON"}}
	for _, tr := range history {
		from := "-"
		if tr.From != "" {
			from = string(tr.From)
		}
		data = append(data, []string{formatTime(&tr.At), from, colorState(tr.To), tr.Reason})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func runJobCancel(cmd *cobra.Command, args []string) error {
	reason, _ := cmd.Flags().GetString("reason")

	s, database, _, err := openScheduler()
	if err != nil {
		return err
	}
	defer database.Close()

	job, err := s.Cancel(cmd.Context(), args[0], reason)
	if err != nil {
		return err
	}
	if asJSON(cmd) {
		return printJSON(job)
	}
	pterm.Success.Printf("%s %s cancelled\n", sym.Job, job.ID)
	return nil
}

func runJobStats(cmd *cobra.Command, args []string) error {
	s, database, _, err := openScheduler()
	if err != nil {
		return err
	}
	defer database.Close()

	stats, err := s.Stats(cmd.Context())
	if err != nil {
		return err
	}
	if asJSON(cmd) {
		return printJSON(stats)
	}

	data := pterm.TableData{{"STATE", "JOBS"}}
	for _, state := range async.AllStates {
		data = append(data, []string{colorState(state), strconv.Itoa(stats.Counts[state])})
	}
	data = append(data, []string{"total", strconv.Itoa(stats.Total)})
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		return err
	}
	if stats.NextFireAt != nil {
		fmt.Printf("\nNext scheduled fire: %s\n", formatTime(stats.NextFireAt))
	}
	return nil
}

func parseStates(raw []string) ([]async.JobState, error) {
	states := make([]async.JobState, 0, len(raw))
	for _, r := range raw {
		if !async.IsValidState(r) {
			return nil, errors.WithHintf(
				errors.Wrapf(errors.ErrInvalidRequest, "unknown state %q", r),
				"valid states: %v", async.AllStates)
		}
		states = append(states, async.JobState(r))
	}
	return states, nil
}

func containsState(states []async.JobState, s async.JobState) bool {
	for _, state := range states {
		if state == s {
			return true
		}
	}
	return false
}

func describeTrigger(job *async.Job) string {
	if job.IsRecurring() {
		return "recurring: " + job.RecurrenceRule()
	}
	if job.ParentID != "" {
		return "after " + job.ParentID
	}
	return "once"
}

func colorState(s async.JobState) string {
	switch s {
	case async.StateSucceeded:
		return pterm.Green(string(s))
	case async.StateFailed:
		return pterm.Red(string(s))
	case async.StateAwaitingRetry:
		return pterm.Yellow(string(s))
	case async.StateProcessing, async.StateEnqueued:
		return pterm.Cyan(string(s))
	case async.StateDeleted:
		return pterm.Gray(string(s))
	default:
		return string(s)
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func asJSON(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal JSON")
	}
	fmt.Println(string(data))
	return nil
}
