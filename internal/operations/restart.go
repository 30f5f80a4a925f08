package operations

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/edgestack/gateway/pkg/models"
)

// Restarter issues the OS-level restart command. The workflow engine
// dispatches it from the restart workflow's executing state and then
// enters its own await-agent-restart wait; Restarter's job ends once the
// command has been launched.
type Restarter struct {
	command string
	args    []string
	timeout time.Duration
}

// NewRestarter creates a Restarter that runs command with args, killed
// after timeout if it hasn't exited (0 disables the timeout).
func NewRestarter(command string, args []string, timeout time.Duration) *Restarter {
	return &Restarter{command: command, args: args, timeout: timeout}
}

// Dispatch implements workflow.BuiltinDispatcher.
func (r *Restarter) Dispatch(ctx context.Context, cmd models.CommandInstance) error {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	c := exec.CommandContext(ctx, r.command, r.args...)
	var stderr bytes.Buffer
	c.Stderr = &stderr

	log.Info().Str("cmd_id", cmd.CommandID).Str("command", r.command).Msg("operations: issuing restart command")
	if err := c.Run(); err != nil {
		return fmt.Errorf("operations: restart command failed: %w: %s", err, stderr.String())
	}
	return nil
}
