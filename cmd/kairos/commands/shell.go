package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/teranos/kairos/errors"
	"github.com/teranos/kairos/logger"
	"github.com/teranos/kairos/pulse/async"
)

// ShellHandlerName is the handler name of the built-in command runner
const ShellHandlerName = "shell.exec"

// maxShellOutput bounds the output kept in logs and error details
const maxShellOutput = 4096

// ShellArgs is the payload of a shell.exec job
type ShellArgs struct {
	Command string   `json:"command" toml:"command" yaml:"command"`
	Dir     string   `json:"dir,omitempty" toml:"dir" yaml:"dir"`
	Env     []string `json:"env,omitempty" toml:"env" yaml:"env"` // KEY=VALUE, appended to the daemon environment
}

// ShellHandler runs a command line without a shell. The command is split
// with POSIX quoting rules; pipes and redirections are not interpreted.
type ShellHandler struct {
	waitDelay time.Duration
}

// NewShellHandler creates the shell.exec handler. waitDelay bounds how long
// a cancelled command may keep its output pipes open.
func NewShellHandler(waitDelay time.Duration) *ShellHandler {
	return &ShellHandler{waitDelay: waitDelay}
}

func (h *ShellHandler) Name() string { return ShellHandlerName }

func (h *ShellHandler) Execute(ctx context.Context, job *async.Job) error {
	var args ShellArgs
	if len(job.Payload) == 0 {
		return async.Permanent(errors.New("shell.exec requires a command"))
	}
	if err := json.Unmarshal(job.Payload, &args); err != nil {
		return async.Permanent(errors.Wrap(err, "invalid shell.exec arguments"))
	}

	argv, err := shellquote.Split(args.Command)
	if err != nil {
		return async.Permanent(errors.Wrapf(err, "cannot parse command %q", args.Command))
	}
	if len(argv) == 0 {
		return async.Permanent(errors.New("shell.exec requires a command"))
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = args.Dir
	if len(args.Env) > 0 {
		cmd.Env = append(os.Environ(), args.Env...)
	}
	cmd.WaitDelay = h.waitDelay

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	log := logger.LoggerFromContext(ctx, logger.ComponentLogger("shell"))
	start := time.Now()
	runErr := cmd.Run()
	out := truncateOutput(output.String())

	if ctx.Err() != nil {
		return errors.Wrapf(ctx.Err(), "command %s interrupted", argv[0])
	}

	if runErr != nil {
		var execErr *exec.Error
		if errors.As(runErr, &execErr) {
			// Binary not found or not executable; retrying will not help
			return async.Permanent(errors.Wrapf(runErr, "cannot run %s", argv[0]))
		}
		return errors.WithDetailf(errors.Wrapf(runErr, "command %s failed", argv[0]), "Output: %s", out)
	}

	log.Infow("Command finished",
		"command", args.Command,
		logger.FieldDurationMS, time.Since(start).Milliseconds(),
		"output", out)
	return nil
}

func truncateOutput(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxShellOutput {
		return s
	}
	return s[:maxShellOutput] + "... (truncated)"
}
