package operations

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/edgestack/gateway/pkg/models"
)

// LogUploader is the built-in dispatcher for log_upload: it runs a script
// that collects the requested log type into a local file, then uploads that
// file to the URL given in the command payload.
type LogUploader struct {
	uploader   Uploader
	stagingDir string
	collectCmd []string // %path %type substituted
}

func NewLogUploader(uploader Uploader, stagingDir string, collectCmd []string) *LogUploader {
	return &LogUploader{uploader: uploader, stagingDir: stagingDir, collectCmd: collectCmd}
}

func (l *LogUploader) Dispatch(ctx context.Context, cmd models.CommandInstance) error {
	url, _ := cmd.Payload["url"].(string)
	if url == "" {
		return fmt.Errorf("operations: log_upload payload missing url field")
	}
	logType, _ := cmd.Payload["type"].(string)
	dest := stagingPath(l.stagingDir, cmd.CommandID, "log")

	if err := l.collect(ctx, dest, logType); err != nil {
		return err
	}
	if err := l.uploader.Upload(ctx, dest, url); err != nil {
		return fmt.Errorf("operations: uploading log to %s: %w", url, err)
	}
	return nil
}

func (l *LogUploader) collect(ctx context.Context, destPath, logType string) error {
	if len(l.collectCmd) == 0 {
		return nil
	}
	argv := make([]string, len(l.collectCmd))
	for i, tok := range l.collectCmd {
		switch tok {
		case "%path":
			argv[i] = destPath
		case "%type":
			argv[i] = logType
		default:
			argv[i] = tok
		}
	}
	out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("operations: log collection script failed: %w: %s", err, out)
	}
	return nil
}
