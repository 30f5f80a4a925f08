// Package operations implements the concrete built-in dispatchers the
// workflow engine's `built-in` action calls: restart, software list/update,
// configuration/firmware/log-upload file transfer. Each is wired into an
// Engine via Engine.RegisterBuiltin under its operation name.
package operations

import "context"

// Downloader fetches a remote resource to a local path. A concrete
// implementation (HTTP client, cloud storage SDK, ...) is an external
// collaborator; operations only depend on this interface.
type Downloader interface {
	Download(ctx context.Context, url, destPath string) error
}

// Publisher is the narrow slice of the MQTT actor's outbound API an
// operation needs to report domain data (e.g. a software inventory) onto a
// topic outside the workflow engine's own command-state bookkeeping.
type Publisher interface {
	Publish(ctx context.Context, topic string, retain bool, payload []byte) error
}

// Uploader pushes a local file to a remote destination, the inverse of
// Downloader. log_upload produces a file locally (via a script) and then
// uploads it; a concrete implementation is an external collaborator.
type Uploader interface {
	Upload(ctx context.Context, srcPath, url string) error
}
