// Package definition loads workflow definitions from a directory of YAML
// files, validates them, and keeps them current as the directory changes on
// disk — without disturbing command instances already mid-flight, which
// each capture the WorkflowDefinition they started with.
package definition

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/edgestack/gateway/pkg/models"
)

// fileSchema is the on-disk YAML shape for one workflow file.
type fileSchema struct {
	Operation string                `yaml:"operation"`
	States    map[string]stateEntry `yaml:"states"`
}

type stateEntry struct {
	Action       string         `yaml:"action"`
	OnSuccess    string         `yaml:"on_success"`
	OnError      string         `yaml:"on_error"`
	OnExitCode   map[string]string `yaml:"on_exit_code"`
	OnExec       string         `yaml:"on_exec"`
	Timeout      string         `yaml:"timeout"`
	OnTimeout    string         `yaml:"on_timeout"`
	OutputExcerpt []string      `yaml:"output_excerpt"`

	NextState string   `yaml:"next_state"`
	Command   string   `yaml:"command"`
	Args      []string `yaml:"args"`

	SubOperation string   `yaml:"sub_operation"`
	InputScript  string   `yaml:"input_script"`
	InputExcerpt []string `yaml:"input_excerpt"`
}

func (s stateEntry) toAction() (models.OperationAction, error) {
	handlers := models.Handlers{OnSuccess: s.OnSuccess, OnError: s.OnError, OnTimeout: s.OnTimeout}
	if s.Timeout != "" {
		d, err := time.ParseDuration(s.Timeout)
		if err != nil {
			return models.OperationAction{}, fmt.Errorf("invalid timeout %q: %w", s.Timeout, err)
		}
		handlers.Timeout = d
	}
	if len(s.OnExitCode) > 0 {
		handlers.OnExitCode = make(map[int]string, len(s.OnExitCode))
		for codeStr, target := range s.OnExitCode {
			var code int
			if _, err := fmt.Sscanf(codeStr, "%d", &code); err != nil {
				return models.OperationAction{}, fmt.Errorf("invalid exit code key %q: %w", codeStr, err)
			}
			handlers.OnExitCode[code] = target
		}
	}
	handlers.OutputExcerpt = s.OutputExcerpt

	switch s.Action {
	case "move-to":
		return models.OperationAction{Kind: models.ActionMoveTo, NextState: s.NextState}, nil
	case "built-in", "":
		return models.OperationAction{Kind: models.ActionBuiltIn, Handlers: handlers}, nil
	case "script":
		return models.OperationAction{Kind: models.ActionScript, Command: s.Command, Args: s.Args, Handlers: handlers}, nil
	case "background-script":
		return models.OperationAction{Kind: models.ActionBackgroundScript, Command: s.Command, Args: s.Args, OnExec: s.OnExec}, nil
	case "sub-operation":
		return models.OperationAction{
			Kind:         models.ActionSubOperation,
			SubOperation: s.SubOperation,
			InputScript:  s.InputScript,
			InputExcerpt: s.InputExcerpt,
			OnExec:       s.OnExec,
		}, nil
	case "await-sub-operation-completion":
		return models.OperationAction{Kind: models.ActionAwaitSubOperationCompletion, Handlers: handlers}, nil
	case "await-agent-restart":
		return models.OperationAction{Kind: models.ActionAwaitAgentRestart, Handlers: handlers}, nil
	case "clear":
		return models.OperationAction{Kind: models.ActionClear}, nil
	default:
		return models.OperationAction{}, fmt.Errorf("unknown action %q", s.Action)
	}
}

// LoadError describes one file that failed to load or validate. It never
// aborts loading the rest of the directory.
type LoadError struct {
	Path   string
	Reason error
}

func (e *LoadError) Error() string { return e.Path + ": " + e.Reason.Error() }

// LoadDir reads every *.yaml/*.yml file in dir, parses it as one workflow
// definition, and validates it. Files are read in a deterministic
// (lexicographic) order. Returns the successfully-loaded definitions keyed
// by operation name, plus one LoadError per file that failed — a bad file
// never prevents the rest of the directory from loading.
func LoadDir(dir string) (map[string]models.WorkflowDefinition, []LoadError) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]models.WorkflowDefinition{}, nil
		}
		return map[string]models.WorkflowDefinition{}, []LoadError{{Path: dir, Reason: err}}
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if ext := filepath.Ext(entry.Name()); ext == ".yaml" || ext == ".yml" {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	defs := make(map[string]models.WorkflowDefinition)
	var errs []LoadError
	for _, name := range names {
		path := filepath.Join(dir, name)
		def, err := loadFile(path)
		if err != nil {
			errs = append(errs, LoadError{Path: path, Reason: err})
			continue
		}
		defs[def.Operation] = def
	}
	return defs, errs
}

func loadFile(path string) (models.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.WorkflowDefinition{}, err
	}
	var raw fileSchema
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return models.WorkflowDefinition{}, fmt.Errorf("parse yaml: %w", err)
	}
	if raw.Operation == "" {
		return models.WorkflowDefinition{}, fmt.Errorf("missing required field \"operation\"")
	}

	states := make(map[string]models.OperationAction, len(raw.States))
	for name, entry := range raw.States {
		action, err := entry.toAction()
		if err != nil {
			return models.WorkflowDefinition{}, fmt.Errorf("state %q: %w", name, err)
		}
		states[name] = action
	}

	def := models.WorkflowDefinition{Operation: raw.Operation, States: states}
	if err := def.Validate(); err != nil {
		return models.WorkflowDefinition{}, err
	}
	return def, nil
}

// Registry holds the current merged set of workflow definitions: built-ins
// as a floor, overridden by whatever a user-provided directory defines for
// the same operation name. It reloads on every filesystem change event but
// the swap is atomic and never reaches back into definitions already
// captured by an in-flight command's engine state.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]models.WorkflowDefinition

	dir     string
	builtin func(operation string) models.WorkflowDefinition

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// BuiltinOperations lists the operation families that fall back to
// models.BuiltinWorkflow when no user definition overrides them.
var BuiltinOperations = []string{"restart", "software_list", "software_update", "config_snapshot", "config_update", "firmware_update", "log_upload"}

// NewRegistry loads dir (creating the built-in floor first) and returns a
// Registry. Load errors are logged per-file; a missing directory is not an
// error (built-ins alone are a valid configuration).
func NewRegistry(dir string) *Registry {
	r := &Registry{dir: dir, builtin: models.BuiltinWorkflow}
	r.reload()
	return r
}

func (r *Registry) reload() {
	merged := make(map[string]models.WorkflowDefinition, len(BuiltinOperations))
	for _, op := range BuiltinOperations {
		merged[op] = r.builtin(op)
	}
	loaded, errs := LoadDir(r.dir)
	for _, e := range errs {
		log.Warn().Str("file", e.Path).Err(e.Reason).Msg("workflow: skipping invalid definition file")
	}
	for op, def := range loaded {
		merged[op] = def
	}
	r.mu.Lock()
	r.defs = merged
	r.mu.Unlock()
}

// Lookup returns the currently active definition for operation, or false if
// none is registered (neither built-in nor user-defined).
func (r *Registry) Lookup(operation string) (models.WorkflowDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[operation]
	return def, ok
}

// Watch starts watching the registry's directory for changes and reloads on
// every create/write/remove/rename event, debounced by coalescing bursts
// within a short window. It returns immediately; call Close to stop.
func (r *Registry) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("workflow: create watcher: %w", err)
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		w.Close()
		return fmt.Errorf("workflow: create definitions dir: %w", err)
	}
	if err := w.Add(r.dir); err != nil {
		w.Close()
		return fmt.Errorf("workflow: watch %s: %w", r.dir, err)
	}
	r.watcher = w
	r.done = make(chan struct{})

	go func() {
		var debounce *time.Timer
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !isDefinitionFile(ev.Name) {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(200*time.Millisecond, r.reload)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("workflow: watcher error")
			case <-r.done:
				return
			}
		}
	}()
	return nil
}

func isDefinitionFile(name string) bool {
	ext := filepath.Ext(name)
	return ext == ".yaml" || ext == ".yml"
}

// Close stops the directory watch, if one was started.
func (r *Registry) Close() {
	if r.watcher == nil {
		return
	}
	close(r.done)
	r.watcher.Close()
}
