package operations

import (
	"context"
	"fmt"

	"github.com/edgestack/gateway/pkg/models"
)

// FirmwareInstaller is the built-in dispatcher for firmware_update: it
// downloads the firmware image and invokes the flashing script. Its job ends
// when the script exits; the built-in firmware_update workflow has no
// await-agent-restart step (only restart's does).
type FirmwareInstaller struct {
	downloader Downloader
	stagingDir string
	flashCmd   []string // %path substituted with the staged image's path
}

func NewFirmwareInstaller(downloader Downloader, stagingDir string, flashCmd []string) *FirmwareInstaller {
	return &FirmwareInstaller{downloader: downloader, stagingDir: stagingDir, flashCmd: flashCmd}
}

func (f *FirmwareInstaller) Dispatch(ctx context.Context, cmd models.CommandInstance) error {
	url, _ := cmd.Payload["url"].(string)
	if url == "" {
		return fmt.Errorf("operations: firmware_update payload missing url field")
	}
	dest := stagingPath(f.stagingDir, cmd.CommandID, "firmware")
	if err := f.downloader.Download(ctx, url, dest); err != nil {
		return fmt.Errorf("operations: downloading firmware from %s: %w", url, err)
	}
	return runApplyScript(ctx, f.flashCmd, dest)
}
