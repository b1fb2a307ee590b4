package health

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/fluxgate/fabric/pkg/types"
)

// ScriptChecker runs a command locally and treats exit code 0 as healthy.
// Unlike a container-exec probe it never crosses a process boundary; it is
// meant for checks an operator can run against an instance's host (a CLI
// like "pg_isready", a custom shell script, etc).
type ScriptChecker struct {
	// Command is the command to execute (e.g. ["pg_isready", "-U", "postgres"]).
	Command []string

	// Timeout is the command execution timeout (default: 10 seconds).
	Timeout time.Duration
}

// NewScriptChecker creates a new script health checker.
func NewScriptChecker(command []string) *ScriptChecker {
	return &ScriptChecker{
		Command: command,
		Timeout: 10 * time.Second,
	}
}

// Check performs the script health check.
func (s *ScriptChecker) Check(ctx context.Context) Result {
	start := time.Now()

	if len(s.Command) == 0 {
		return Result{Healthy: false, Message: "no command specified", CheckedAt: start, Duration: time.Since(start)}
	}

	execCtx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, s.Command[0], s.Command[1:]...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	message := fmt.Sprintf("command: %v", s.Command)
	if err != nil {
		message = fmt.Sprintf("%s, error: %v", message, err)
		if stderr.Len() > 0 {
			message = fmt.Sprintf("%s, stderr: %s", message, stderr.String())
		}
		return Result{Healthy: false, Message: message, CheckedAt: start, Duration: time.Since(start)}
	}

	if stdout.Len() > 0 {
		output := stdout.String()
		if len(output) > 100 {
			output = output[:100] + "..."
		}
		message = fmt.Sprintf("%s, output: %s", message, output)
	}

	return Result{Healthy: true, Message: message, CheckedAt: start, Duration: time.Since(start)}
}

// Type returns the health check type.
func (s *ScriptChecker) Type() types.CheckType {
	return types.CheckTypeScript
}

// WithTimeout sets the execution timeout. A zero duration leaves the
// existing timeout untouched.
func (s *ScriptChecker) WithTimeout(timeout time.Duration) *ScriptChecker {
	if timeout > 0 {
		s.Timeout = timeout
	}
	return s
}
