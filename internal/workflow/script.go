package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"time"

	"github.com/edgestack/gateway/pkg/models"
)

// scriptResult is the outcome of running one OperationAction script.
type scriptResult struct {
	ExitCode    int
	Stdout      map[string]any // stdout parsed as JSON; nil if it wasn't JSON or was empty
	InvalidJSON bool           // true if stdout was non-empty but failed to parse as JSON
}

// runScript runs command with args (already template-substituted) under an
// optional timeout, capturing stdout for the exit-code/excerpt mapping.
func runScript(ctx context.Context, command string, args []string, timeout time.Duration) (scriptResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, command, args...)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	err := cmd.Run()
	result := scriptResult{}
	if ctx.Err() == context.DeadlineExceeded {
		return result, context.DeadlineExceeded
	}

	if exitErr, ok := err.(*exec.ExitError); ok {
		result.ExitCode = exitErr.ExitCode()
	} else if err != nil {
		return result, err
	}

	var parsed map[string]any
	if stdout.Len() > 0 {
		if json.Unmarshal(stdout.Bytes(), &parsed) == nil {
			result.Stdout = parsed
		} else {
			result.InvalidJSON = true
		}
	}
	return result, nil
}

// resolveExitTarget maps a script's exit code to a next-state name per the
// handler table: an exact-code entry wins, otherwise 0 goes to on-success
// and any other code to on-error.
func resolveExitTarget(code int, handlers models.Handlers) string {
	if target, ok := handlers.OnExitCode[code]; ok {
		return target
	}
	if code == 0 {
		return handlers.OnSuccess
	}
	return handlers.OnError
}
