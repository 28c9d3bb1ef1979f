package builder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/readthedocs/rtd/pkg/logging"
)

// Command is one process invocation in a build environment.
type Command struct {
	Args []string
	Dir  string
	Env  []string
	// BinPath is prepended to PATH.
	BinPath string
}

func (c Command) String() string { return strings.Join(c.Args, " ") }

// Result is the outcome of a finished command.
type Result struct {
	ExitCode int
	Output   string
	Duration time.Duration
}

// Successful reports a zero exit code.
func (r Result) Successful() bool { return r.ExitCode == 0 }

// Runner executes build commands.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// ExecRunner runs commands as local processes. A non-zero exit is reported
// in the Result; only failures to start or cancellation return an error.
type ExecRunner struct {
	Timeout time.Duration
	Logger  *slog.Logger
}

// Run executes cmd and captures its combined output.
func (r ExecRunner) Run(ctx context.Context, cmd Command) (Result, error) {
	if len(cmd.Args) == 0 {
		return Result{}, errors.New("empty command")
	}
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	c := exec.CommandContext(ctx, cmd.Args[0], cmd.Args[1:]...)
	c.Dir = cmd.Dir
	c.Env = append(os.Environ(), cmd.Env...)
	if cmd.BinPath != "" {
		c.Env = append(c.Env, "PATH="+cmd.BinPath+string(os.PathListSeparator)+os.Getenv("PATH"))
	}
	var out bytes.Buffer
	c.Stdout = &out
	c.Stderr = &out

	start := time.Now()
	err := c.Run()
	res := Result{Output: out.String(), Duration: time.Since(start)}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	var exitErr *exec.ExitError
	switch {
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	case err != nil:
		return res, fmt.Errorf("run %s: %w", cmd, err)
	}
	logging.OrDefault(r.Logger).Debug("command finished",
		"command", cmd.String(),
		"dir", cmd.Dir,
		"exit_code", res.ExitCode,
		"duration", res.Duration,
	)
	return res, nil
}
