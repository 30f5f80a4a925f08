package operations

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/edgestack/gateway/pkg/models"
)

// ConfigManager is the built-in dispatcher for config_snapshot and
// config_update: it downloads the target file to a local staging path and
// hands it to an apply script. The download transport itself is out of
// scope; only the Downloader interface is depended on.
type ConfigManager struct {
	downloader Downloader
	stagingDir string
	applyCmd   []string // %path substituted with the staged file's path
}

func NewConfigManager(downloader Downloader, stagingDir string, applyCmd []string) *ConfigManager {
	return &ConfigManager{downloader: downloader, stagingDir: stagingDir, applyCmd: applyCmd}
}

func (c *ConfigManager) Dispatch(ctx context.Context, cmd models.CommandInstance) error {
	url, _ := cmd.Payload["url"].(string)
	if url == "" {
		return fmt.Errorf("operations: config_update payload missing url field")
	}
	dest := stagingPath(c.stagingDir, cmd.CommandID, "config")
	if err := c.downloader.Download(ctx, url, dest); err != nil {
		return fmt.Errorf("operations: downloading config from %s: %w", url, err)
	}
	return runApplyScript(ctx, c.applyCmd, dest)
}

func stagingPath(dir, cmdID, kind string) string {
	return dir + "/" + cmdID + "-" + kind
}

func runApplyScript(ctx context.Context, tmpl []string, stagedPath string) error {
	if len(tmpl) == 0 {
		return nil
	}
	argv := make([]string, len(tmpl))
	for i, tok := range tmpl {
		if tok == "%path" {
			argv[i] = stagedPath
		} else {
			argv[i] = tok
		}
	}
	out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("operations: apply script failed: %w: %s", err, out)
	}
	return nil
}
