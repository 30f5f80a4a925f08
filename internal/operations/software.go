package operations

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/edgestack/gateway/pkg/models"
)

// SoftwareItem is one entry of a software_update command's payload list:
// install, remove, or update a single package.
type SoftwareItem struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
	Action  string `json:"action"` // "install", "remove"
}

// PackageManager drives one package's install/remove through the host's
// package tooling. A concrete implementation (apt, dpkg, ...) is supplied by
// callers; this package only depends on the interface.
type PackageManager interface {
	Apply(ctx context.Context, item SoftwareItem) error
	List(ctx context.Context) ([]SoftwareItem, error)
}

// execPackageManager runs a fixed install/remove/list command template,
// the same exec.CommandContext pattern restart.go and process/local.go use.
type execPackageManager struct {
	installCmd []string // %name %version substituted positionally
	removeCmd  []string
	listCmd    []string
}

// NewExecPackageManager builds a PackageManager around three argv templates,
// each interpreted with the literal tokens "%name" and "%version" replaced
// by the item's fields.
func NewExecPackageManager(installCmd, removeCmd, listCmd []string) PackageManager {
	return &execPackageManager{installCmd: installCmd, removeCmd: removeCmd, listCmd: listCmd}
}

func (m *execPackageManager) Apply(ctx context.Context, item SoftwareItem) error {
	tmpl := m.installCmd
	if item.Action == "remove" {
		tmpl = m.removeCmd
	}
	if len(tmpl) == 0 {
		return fmt.Errorf("operations: no command configured for action %q", item.Action)
	}
	argv := make([]string, len(tmpl))
	for i, tok := range tmpl {
		switch tok {
		case "%name":
			argv[i] = item.Name
		case "%version":
			argv[i] = item.Version
		default:
			argv[i] = tok
		}
	}
	c := exec.CommandContext(ctx, argv[0], argv[1:]...)
	out, err := c.CombinedOutput()
	if err != nil {
		return fmt.Errorf("operations: %s %s failed: %w: %s", item.Action, item.Name, err, out)
	}
	return nil
}

func (m *execPackageManager) List(ctx context.Context) ([]SoftwareItem, error) {
	if len(m.listCmd) == 0 {
		return nil, nil
	}
	c := exec.CommandContext(ctx, m.listCmd[0], m.listCmd[1:]...)
	out, err := c.Output()
	if err != nil {
		return nil, fmt.Errorf("operations: listing installed software failed: %w", err)
	}
	var items []SoftwareItem
	if err := json.Unmarshal(out, &items); err != nil {
		return nil, fmt.Errorf("operations: software list output is not valid JSON: %w", err)
	}
	return items, nil
}

// softwareListTopic is the retained topic the current software inventory is
// republished to, independent of any in-flight software_update command.
func softwareListTopic(root, target string) string {
	return root + "/" + target + "/twin/software_list"
}

// Lister is the built-in dispatcher for the software_list operation: it
// queries the package manager and republishes the result as a side-channel
// retained message, since BuiltinDispatcher has no channel back into the
// command's own payload.
type Lister struct {
	mgr       PackageManager
	publisher Publisher
	root      string
}

func NewLister(root string, mgr PackageManager, publisher Publisher) *Lister {
	return &Lister{root: root, mgr: mgr, publisher: publisher}
}

func (l *Lister) Dispatch(ctx context.Context, cmd models.CommandInstance) error {
	items, err := l.mgr.List(ctx)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(items)
	if err != nil {
		return err
	}
	return l.publisher.Publish(ctx, softwareListTopic(l.root, cmd.Target), true, payload)
}

// Updater is the built-in dispatcher for software_update. Every item in the
// command's payload "items" list is applied concurrently; a mutex-guarded
// list of failed item names joins the fan-out back into a single pass/fail verdict for
// the workflow engine, mirroring a fan-in over per-item workers rather than
// a single blocking exec.
type Updater struct {
	mgr PackageManager
}

func NewUpdater(mgr PackageManager) *Updater {
	return &Updater{mgr: mgr}
}

func (u *Updater) Dispatch(ctx context.Context, cmd models.CommandInstance) error {
	items, err := parseItems(cmd.Payload)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		failed []string
	)
	for _, item := range items {
		item := item
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := u.mgr.Apply(ctx, item); err != nil {
				log.Warn().Err(err).Str("cmd_id", cmd.CommandID).Str("package", item.Name).Msg("operations: software item failed")
				mu.Lock()
				failed = append(failed, item.Name)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(failed) > 0 {
		return fmt.Errorf("operations: %d of %d software items failed: %v", len(failed), len(items), failed)
	}
	return nil
}

func parseItems(payload map[string]any) ([]SoftwareItem, error) {
	raw, ok := payload["items"]
	if !ok {
		return nil, nil
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var items []SoftwareItem
	if err := json.Unmarshal(encoded, &items); err != nil {
		return nil, fmt.Errorf("operations: software_update payload items field is malformed: %w", err)
	}
	return items, nil
}
