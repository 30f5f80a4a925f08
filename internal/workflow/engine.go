// Package workflow drives the per-command-instance state machine described
// by a WorkflowDefinition: it receives retained command-topic messages,
// looks up the action for the command's current state, dispatches it
// (publish a move, call a built-in operation actor, run a script, spawn a
// sub-operation, wait on an agent restart, or clear), and publishes the
// resulting state back onto the command topic.
//
// Adapted from the teacher's internal/workflow/engine.go: the teacher
// drives a DAG of recipe steps with a map of runID → cancel func guarding
// concurrent executions; this engine drives one state machine per command
// id the same way, swapping the DAG-of-steps model for a per-state action
// dispatch table.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/edgestack/gateway/internal/errs"
	"github.com/edgestack/gateway/internal/storage"
	"github.com/edgestack/gateway/internal/topic"
	"github.com/edgestack/gateway/internal/workflow/definition"
	"github.com/edgestack/gateway/pkg/models"
)

// Publisher is the outbound MQTT sink the engine publishes command-state
// and sub-operation messages through. Retain is always true for command
// topics; a nil payload retracts the retained message.
type Publisher interface {
	Publish(ctx context.Context, topic string, retain bool, payload []byte) error
}

// BuiltinDispatcher performs the built-in action for one operation family.
// It is called synchronously from the engine's perspective; concrete
// implementations (internal/operations) may bridge to an actor and block on
// its reply.
type BuiltinDispatcher interface {
	Dispatch(ctx context.Context, cmd models.CommandInstance) error
}

// commandState is the engine's private bookkeeping for one live command
// instance: the public CommandInstance plus the workflow definition it
// started with (so a hot-reloaded definition never disturbs it) and its
// target entity.
type commandState struct {
	instance models.CommandInstance
	def      models.WorkflowDefinition
	root     string
	entity   topic.ID

	timeoutTimer *time.Timer
}

// awaitingChild records what the parent command is waiting for while a
// sub-operation runs.
type awaitingChild struct {
	parentCmdID string
	handlers    models.Handlers
	excerpt     []string
}

// Engine owns every live command instance and drives it to completion.
type Engine struct {
	root          string
	registry      *definition.Registry
	publisher     Publisher
	breadcrumbDir string

	mu       sync.Mutex
	builtins map[string]BuiltinDispatcher
	commands map[string]*commandState // command id -> state
	awaiting map[string]awaitingChild // child command id -> what it's feeding
}

// New creates an Engine. breadcrumbDir is where await-agent-restart
// markers are written; root is the configured MQTT topic root prefix.
func New(root string, registry *definition.Registry, publisher Publisher, breadcrumbDir string) *Engine {
	return &Engine{
		root:          root,
		registry:      registry,
		publisher:     publisher,
		breadcrumbDir: breadcrumbDir,
		builtins:      make(map[string]BuiltinDispatcher),
		commands:      make(map[string]*commandState),
		awaiting:      make(map[string]awaitingChild),
	}
}

// RegisterBuiltin wires the built-in dispatcher for operation.
func (e *Engine) RegisterBuiltin(operation string, d BuiltinDispatcher) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.builtins[operation] = d
}

// HandleMessage processes one retained message on a command topic. An empty
// payload (the engine's own retraction echoing back, or any other
// retraction) drops whatever the engine still tracks for that command id.
func (e *Engine) HandleMessage(ctx context.Context, topicStr string, payload []byte) error {
	root, id, operation, cmdID, err := topic.ParseCommandTopic(topicStr)
	if err != nil {
		return err
	}
	if len(payload) == 0 {
		e.forget(cmdID)
		return nil
	}

	var msg map[string]any
	if err := json.Unmarshal(payload, &msg); err != nil {
		return errs.Wrap(errs.KindMalformedPayload, "command payload is not valid JSON", err)
	}
	status, _ := msg["status"].(string)

	def, ok := e.registry.Lookup(operation)
	if !ok {
		_ = e.publishState(ctx, root, id, operation, cmdID, "failed", map[string]any{"reason": "no workflow registered for operation " + operation})
		return errs.UnknownOperation(operation)
	}
	e.mu.Lock()
	if live, tracked := e.commands[cmdID]; tracked {
		def = live.def
	}
	e.mu.Unlock()
	action, ok := def.States[status]
	if !ok {
		_ = e.publishState(ctx, root, id, operation, cmdID, "failed", map[string]any{"reason": "unknown state " + status})
		return errs.UnknownState(operation, status)
	}

	cs := e.upsert(cmdID, operation, id, root, status, msg, def)
	return e.dispatch(ctx, cs, action)
}

func (e *Engine) upsert(cmdID, operation string, id topic.ID, root, status string, payload map[string]any, def models.WorkflowDefinition) *commandState {
	e.mu.Lock()
	defer e.mu.Unlock()
	cs, ok := e.commands[cmdID]
	now := time.Now()
	if !ok {
		cs = &commandState{
			instance: models.CommandInstance{
				Operation: operation,
				CommandID: cmdID,
				Target:    id.String(),
				CreatedAt: now,
				Payload:   map[string]any{},
				ParentCmd: e.awaiting[cmdID].parentCmdID,
			},
			def:    def,
			root:   root,
			entity: id,
		}
		e.commands[cmdID] = cs
	}
	cs.instance.Payload = merge(cs.instance.Payload, payload)
	cs.instance.State = status
	cs.instance.UpdatedAt = now
	return cs
}

func (e *Engine) forget(cmdID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cs, ok := e.commands[cmdID]; ok && cs.timeoutTimer != nil {
		cs.timeoutTimer.Stop()
	}
	delete(e.commands, cmdID)
	delete(e.awaiting, cmdID)
}

func (e *Engine) dispatch(ctx context.Context, cs *commandState, action models.OperationAction) error {
	switch action.Kind {
	case models.ActionMoveTo:
		return e.publishCommand(ctx, cs, action.NextState, nil)

	case models.ActionBuiltIn:
		e.mu.Lock()
		d, ok := e.builtins[cs.instance.Operation]
		e.mu.Unlock()
		if !ok {
			return e.publishCommand(ctx, cs, action.Handlers.OnError, map[string]any{"reason": "no built-in handler registered"})
		}
		if err := d.Dispatch(ctx, cs.instance.Clone()); err != nil {
			log.Warn().Err(err).Str("operation", cs.instance.Operation).Str("cmd_id", cs.instance.CommandID).Msg("workflow: built-in action failed")
			return e.publishCommand(ctx, cs, action.Handlers.OnError, map[string]any{"reason": err.Error()})
		}
		return e.publishCommand(ctx, cs, action.Handlers.OnSuccess, nil)

	case models.ActionScript:
		return e.runScriptAction(ctx, cs, action)

	case models.ActionBackgroundScript:
		command := substitute(action.Command, cs.instance.Payload)
		args := substituteAll(action.Args, cs.instance.Payload)
		go func() {
			if _, err := runScript(context.Background(), command, args, 0); err != nil {
				log.Warn().Err(err).Str("cmd_id", cs.instance.CommandID).Msg("workflow: background script failed")
			}
		}()
		return e.publishCommand(ctx, cs, action.OnExec, nil)

	case models.ActionSubOperation:
		return e.startSubOperation(ctx, cs, action)

	case models.ActionAwaitSubOperationCompletion:
		// Nothing to do: the engine is parked here until the child's Clear
		// dispatch calls notifyParent.
		return nil

	case models.ActionAwaitAgentRestart:
		return e.awaitAgentRestart(cs, action)

	case models.ActionClear:
		return e.clear(ctx, cs)

	default:
		return fmt.Errorf("workflow: unhandled action kind %q", action.Kind)
	}
}

func (e *Engine) runScriptAction(ctx context.Context, cs *commandState, action models.OperationAction) error {
	command := substitute(action.Command, cs.instance.Payload)
	args := substituteAll(action.Args, cs.instance.Payload)
	result, err := runScript(ctx, command, args, action.Handlers.Timeout)
	if err == context.DeadlineExceeded {
		target := action.Handlers.OnTimeout
		if target == "" {
			target = action.Handlers.OnError
		}
		return e.publishCommand(ctx, cs, target, map[string]any{"reason": "script timed out"})
	}
	if err != nil {
		return e.publishCommand(ctx, cs, action.Handlers.OnError, map[string]any{"reason": err.Error()})
	}

	if result.ExitCode == 0 && result.InvalidJSON {
		log.Warn().Str("operation", cs.instance.Operation).Str("cmd_id", cs.instance.CommandID).Str("command", command).
			Msg("workflow: script exited successfully but its stdout was not valid JSON; payload left unchanged")
	}

	target := resolveExitTarget(result.ExitCode, action.Handlers)
	var extra map[string]any
	if result.ExitCode == 0 && result.Stdout != nil && len(action.Handlers.OutputExcerpt) > 0 {
		extra = project(action.Handlers.OutputExcerpt, result.Stdout)
	}
	if result.ExitCode != 0 {
		extra = merge(extra, map[string]any{"exit_code": result.ExitCode})
	}
	return e.publishCommand(ctx, cs, target, extra)
}

func (e *Engine) startSubOperation(ctx context.Context, cs *commandState, action models.OperationAction) error {
	childID := uuid.NewString()
	operation := substitute(action.SubOperation, cs.instance.Payload)

	var input map[string]any
	if action.InputScript != "" {
		command := substitute(action.InputScript, cs.instance.Payload)
		result, err := runScript(ctx, command, nil, 0)
		if err == nil && result.Stdout != nil {
			input = result.Stdout
		}
	}
	input = merge(input, project(action.InputExcerpt, cs.instance.Payload))
	input["status"] = "init"

	e.mu.Lock()
	e.awaiting[childID] = awaitingChild{parentCmdID: cs.instance.CommandID, handlers: action.Handlers, excerpt: action.InputExcerpt}
	e.mu.Unlock()

	childTopic := topic.CommandTopic(cs.root, cs.entity, operation, childID)
	payload, err := json.Marshal(input)
	if err != nil {
		return err
	}
	if err := e.publisher.Publish(ctx, childTopic, true, payload); err != nil {
		return err
	}
	return e.publishCommand(ctx, cs, action.OnExec, nil)
}

func (e *Engine) notifyParent(ctx context.Context, child *commandState) {
	e.mu.Lock()
	info, ok := e.awaiting[child.instance.CommandID]
	if ok {
		delete(e.awaiting, child.instance.CommandID)
	}
	parent, parentOK := e.commands[info.parentCmdID]
	var await models.OperationAction
	if parentOK {
		await = parent.def.States[parent.instance.State]
	}
	e.mu.Unlock()
	if !ok || !parentOK {
		return
	}

	handlers, paths := info.handlers, info.excerpt
	if await.Kind == models.ActionAwaitSubOperationCompletion {
		handlers, paths = await.Handlers, await.Handlers.OutputExcerpt
	}
	excerpt := project(paths, child.instance.Payload)
	target := handlers.OnError
	if child.instance.State == "successful" {
		target = handlers.OnSuccess
	}
	if err := e.publishCommand(ctx, parent, target, excerpt); err != nil {
		log.Warn().Err(err).Str("parent_cmd_id", parent.instance.CommandID).Msg("workflow: failed to notify parent of sub-operation completion")
	}
}

func (e *Engine) awaitAgentRestart(cs *commandState, action models.OperationAction) error {
	path := breadcrumbPath(e.breadcrumbDir, cs.instance.CommandID)
	data, err := json.Marshal(cs.instance)
	if err != nil {
		return err
	}
	if err := storage.WriteFileAtomic(path, data); err != nil {
		return err
	}
	if action.Handlers.Timeout > 0 {
		cs.timeoutTimer = time.AfterFunc(action.Handlers.Timeout, func() {
			ctx := context.Background()
			if err := removeBreadcrumb(path); err != nil {
				log.Warn().Err(err).Str("cmd_id", cs.instance.CommandID).Msg("workflow: failed to remove expired breadcrumb")
			}
			target := action.Handlers.OnTimeout
			if target == "" {
				target = action.Handlers.OnError
			}
			_ = e.publishCommand(ctx, cs, target, map[string]any{"reason": "agent restart not observed before timeout"})
		})
	}
	return nil
}

func (e *Engine) clear(ctx context.Context, cs *commandState) error {
	if err := e.publisher.Publish(ctx, topic.CommandTopic(cs.root, cs.entity, cs.instance.Operation, cs.instance.CommandID), true, nil); err != nil {
		log.Warn().Err(err).Str("cmd_id", cs.instance.CommandID).Msg("workflow: failed to retract retained command message")
	}
	if cs.instance.ParentCmd != "" {
		e.notifyParent(ctx, cs)
	}
	e.forget(cs.instance.CommandID)
	return nil
}

// publishCommand merges extra into the command's payload, sets its status
// to nextState, persists that as the new retained message, and re-dispatches
// the action for nextState — a move always publishes before the side effect
// it enables becomes externally observable.
func (e *Engine) publishCommand(ctx context.Context, cs *commandState, nextState string, extra map[string]any) error {
	if nextState == "" {
		return fmt.Errorf("workflow: action produced no next state for cmd %s", cs.instance.CommandID)
	}
	e.mu.Lock()
	cs.instance.Payload = merge(cs.instance.Payload, extra)
	cs.instance.Payload["status"] = nextState
	cs.instance.State = nextState
	cs.instance.UpdatedAt = time.Now()
	payload, err := json.Marshal(cs.instance.Payload)
	e.mu.Unlock()
	if err != nil {
		return err
	}

	if err := e.publisher.Publish(ctx, topic.CommandTopic(cs.root, cs.entity, cs.instance.Operation, cs.instance.CommandID), true, payload); err != nil {
		return err
	}

	action, ok := cs.def.States[nextState]
	if !ok {
		return errs.UnknownState(cs.instance.Operation, nextState)
	}
	return e.dispatch(ctx, cs, action)
}

// publishState publishes a standalone retained state message, used for the
// "unknown operation"/"unknown state" terminal-failure paths that happen
// before a commandState even exists.
func (e *Engine) publishState(ctx context.Context, root string, id topic.ID, operation, cmdID, status string, extra map[string]any) error {
	payload := merge(map[string]any{"status": status}, extra)
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return e.publisher.Publish(ctx, topic.CommandTopic(root, id, operation, cmdID), true, data)
}

func breadcrumbPath(dir, cmdID string) string {
	return dir + "/" + cmdID + ".json"
}

func breadcrumbExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func removeBreadcrumb(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Lookup returns the last observed state of a live command instance, for
// read-only consumers like internal/httpio's status endpoint.
func (e *Engine) Lookup(cmdID string) (models.CommandInstance, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cs, ok := e.commands[cmdID]
	if !ok {
		return models.CommandInstance{}, false
	}
	return cs.instance.Clone(), true
}

// Recover replays retained command messages observed at startup (supplied
// by the MQTT actor's session-present retained dump) to reconstruct
// in-flight commands and resume them. A command parked in
// await-agent-restart whose breadcrumb file is still present is treated as
// having just survived the restart it was waiting for, and immediately
// succeeds via its on-success handler, without rewriting the breadcrumb or
// rearming the timeout; every other in-flight command is simply
// re-dispatched at its observed state.
func (e *Engine) Recover(ctx context.Context, retained map[string][]byte) {
	for topicStr, payload := range retained {
		if e.recoverAwaitingRestart(ctx, topicStr, payload) {
			continue
		}
		if err := e.HandleMessage(ctx, topicStr, payload); err != nil {
			log.Warn().Err(err).Str("topic", topicStr).Msg("workflow: failed to recover command")
		}
	}
}

// recoverAwaitingRestart special-cases exactly the await-agent-restart
// state: if the observed status maps to that action and its breadcrumb
// file is still on disk, the restart this step was waiting for is the one
// that just happened — it succeeds immediately instead of re-arming.
// Returns true if it handled the message.
func (e *Engine) recoverAwaitingRestart(ctx context.Context, topicStr string, payload []byte) bool {
	root, id, operation, cmdID, err := topic.ParseCommandTopic(topicStr)
	if err != nil || len(payload) == 0 {
		return false
	}
	var msg map[string]any
	if json.Unmarshal(payload, &msg) != nil {
		return false
	}
	status, _ := msg["status"].(string)
	def, ok := e.registry.Lookup(operation)
	if !ok {
		return false
	}
	action, ok := def.States[status]
	if !ok || action.Kind != models.ActionAwaitAgentRestart {
		return false
	}
	path := breadcrumbPath(e.breadcrumbDir, cmdID)
	if !breadcrumbExists(path) {
		return false
	}

	cs := e.upsert(cmdID, operation, id, root, status, msg, def)
	if err := removeBreadcrumb(path); err != nil {
		log.Warn().Err(err).Str("cmd_id", cmdID).Msg("workflow: failed to remove recovered breadcrumb")
	}
	if err := e.publishCommand(ctx, cs, action.Handlers.OnSuccess, nil); err != nil {
		log.Warn().Err(err).Str("cmd_id", cmdID).Msg("workflow: failed to recover await-agent-restart command")
	}
	return true
}
