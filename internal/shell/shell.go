// Package shell runs generated scripts and reports how they went.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/specialistvlad/gridbench/internal/ctxlog"
	"github.com/specialistvlad/gridbench/internal/errs"
)

// OutputMode selects where a script's combined output goes. Output is always
// captured in Result.Output for artifact collection.
type OutputMode string

const (
	Stdout  OutputMode = "stdout"
	LogFile OutputMode = "log-file"
	Both    OutputMode = "both"
	Discard OutputMode = "discard"
)

// ParseOutputMode validates s. The empty string means LogFile.
func ParseOutputMode(s string) (OutputMode, error) {
	switch m := OutputMode(s); m {
	case "":
		return LogFile, nil
	case Stdout, LogFile, Both, Discard:
		return m, nil
	}
	return "", errs.Configf("unknown output mode %q (want stdout, log-file, both or discard)", s)
}

// Command describes one script execution.
type Command struct {
	// Script is the path of the script to run.
	Script string
	Dir    string
	// Env is appended to the process environment.
	Env     []string
	Output  OutputMode
	LogFile string
	// Timeout kills the whole process group when exceeded. Zero disables it.
	Timeout time.Duration
	// Stdout receives output in Stdout and Both modes. Defaults to os.Stdout.
	Stdout io.Writer
}

// Result is what the engine consumes from a finished process.
type Result struct {
	ReturnCode int
	Duration   time.Duration
	Output     string
	TimedOut   bool
}

// Runner runs commands. The error is reserved for failures to start or to
// set up output; a non-zero exit is reported through Result.ReturnCode.
type Runner interface {
	Run(ctx context.Context, c Command) (Result, error)
}

// Bash runs scripts through bash.
type Bash struct {
	// Path of the shell binary. Defaults to "bash".
	Path string
}

// Run starts the script in its own process group and waits for it. On
// timeout or context cancellation the group is killed.
func (b Bash) Run(ctx context.Context, c Command) (Result, error) {
	logger := ctxlog.FromContext(ctx)
	shellPath := b.Path
	if shellPath == "" {
		shellPath = "bash"
	}

	var captured bytes.Buffer
	writers := []io.Writer{&captured}
	mode := c.Output
	if mode == "" {
		mode = LogFile
	}
	if mode == Stdout || mode == Both {
		out := c.Stdout
		if out == nil {
			out = os.Stdout
		}
		writers = append(writers, out)
	}
	if mode == LogFile || mode == Both {
		if c.LogFile == "" {
			return Result{}, fmt.Errorf("output mode %s requires a log file", mode)
		}
		if err := os.MkdirAll(filepath.Dir(c.LogFile), 0o755); err != nil {
			return Result{}, err
		}
		f, err := os.Create(c.LogFile)
		if err != nil {
			return Result{}, err
		}
		defer f.Close()
		writers = append(writers, f)
	}
	// One shared writer means exec copies both streams from one goroutine.
	w := io.MultiWriter(writers...)

	cmd := exec.Command(shellPath, c.Script)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Stdout = w
	cmd.Stderr = w
	setProcessGroup(cmd)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start %s: %w", c.Script, err)
	}
	logger.Debug("Started script.", "script", c.Script, "pid", cmd.Process.Pid)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var timeout <-chan time.Time
	if c.Timeout > 0 {
		t := time.NewTimer(c.Timeout)
		defer t.Stop()
		timeout = t.C
	}

	var res Result
	var waitErr error
	select {
	case waitErr = <-done:
	case <-timeout:
		logger.Warn("Script timed out, killing its process group.", "script", c.Script, "timeout", c.Timeout)
		res.TimedOut = true
		killProcessGroup(cmd)
		waitErr = <-done
	case <-ctx.Done():
		logger.Warn("Context canceled, killing script process group.", "script", c.Script)
		killProcessGroup(cmd)
		waitErr = <-done
	}
	res.Duration = time.Since(start)
	res.Output = captured.String()

	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
		res.ReturnCode = 0
	case errors.As(waitErr, &exitErr):
		res.ReturnCode = exitErr.ExitCode()
	default:
		return res, waitErr
	}
	if res.TimedOut && res.ReturnCode == 0 {
		res.ReturnCode = -1
	}
	logger.Debug("Script finished.", "script", c.Script, "returncode", res.ReturnCode, "duration", res.Duration)
	return res, nil
}
