package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const (
	// KindShell runs the payload command through /bin/sh -c.
	KindShell = "shell"

	defaultShellTimeout = 10 * time.Minute
	maxCapturedOutput   = 64 * 1024
)

// shellPayload is the JSON shape of a shell task's payload.
type shellPayload struct {
	Command string   `json:"command"`
	Timeout string   `json:"timeout,omitempty"`
	Workdir string   `json:"workdir,omitempty"`
	Env     []string `json:"env,omitempty"`
}

// ShellDriver runs commands through /bin/sh -c with a per-invocation
// watchdog timeout.
type ShellDriver struct {
	// DefaultTimeout bounds invocations whose payload does not set one.
	DefaultTimeout time.Duration
}

func NewShellDriver() *ShellDriver {
	return &ShellDriver{DefaultTimeout: defaultShellTimeout}
}

func (d *ShellDriver) Kind() string { return KindShell }

func (d *ShellDriver) Run(ctx context.Context, payload []byte) (Outcome, error) {
	var p shellPayload
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return Outcome{Result: "bad_payload", Output: err.Error()}, nil
	}
	if strings.TrimSpace(p.Command) == "" {
		return Outcome{Result: "bad_payload", Output: "payload has no command"}, nil
	}

	timeout := d.DefaultTimeout
	if timeout <= 0 {
		timeout = defaultShellTimeout
	}
	if p.Timeout != "" {
		pd, err := time.ParseDuration(p.Timeout)
		if err != nil || pd <= 0 {
			return Outcome{Result: "bad_payload", Output: fmt.Sprintf("invalid timeout %q", p.Timeout)}, nil
		}
		timeout = pd
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", p.Command)
	cmd.Dir = p.Workdir
	if len(p.Env) > 0 {
		cmd.Env = append(cmd.Environ(), p.Env...)
	}

	out, err := cmd.CombinedOutput()
	output := truncate(string(out), maxCapturedOutput)

	if err == nil {
		return Outcome{OK: true, Result: "ok", Output: output}, nil
	}
	if ctx.Err() == context.DeadlineExceeded {
		return Outcome{Result: "timeout", Output: output}, nil
	}
	if ctx.Err() == context.Canceled {
		return Outcome{Result: "cancelled", Output: output}, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return Outcome{Result: fmt.Sprintf("exit_%d", exitErr.ExitCode()), Output: output}, nil
	}
	// The shell never started (missing binary, bad workdir). This is still a
	// recorded failure of the run, not a runner breakage.
	return Outcome{Result: "spawn_error", Output: err.Error()}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n... (truncated)"
}
