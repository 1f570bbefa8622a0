package pipeline

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/meshforge/meshforge/pkg/cancellation"
	"github.com/meshforge/meshforge/pkg/logger"
)

// CancelMarkerFile requests cancellation of a running session from
// outside the owning process. The session's workspace is watched for
// it while the worker runs.
const CancelMarkerFile = "cancel.requested"

// watchCancelMarker cancels the token when the marker file appears in
// the workspace. The returned stop function releases the watcher.
func (m *Manager) watchCancelMarker(workspace string, token *cancellation.Token, log logger.Logger) func() {
	marker := filepath.Join(workspace, CancelMarkerFile)

	// The marker may predate the watcher
	if _, err := os.Stat(marker); err == nil {
		token.Cancel()
		return func() {}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		if log != nil {
			log.Warn("Failed to watch workspace for cancellation requests",
				logger.WithField("error", err))
		}
		return func() {}
	}
	if err := watcher.Add(workspace); err != nil {
		watcher.Close()
		if log != nil {
			log.Warn("Failed to watch workspace for cancellation requests",
				logger.WithField("error", err))
		}
		return func() {}
	}

	done := make(chan struct{})
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-done:
				return
			case <-token.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) == CancelMarkerFile &&
					event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
					if log != nil {
						log.Info("Cancellation marker detected")
					}
					token.Cancel()
					return
				}
			case <-watcher.Errors:
			}
		}
	}()

	var stopOnce sync.Once
	return func() {
		stopOnce.Do(func() { close(done) })
	}
}

// RequestCancelMarker writes the cancellation marker into a session's
// workspace directory.
func RequestCancelMarker(workspace string) error {
	return os.WriteFile(filepath.Join(workspace, CancelMarkerFile), []byte("cancel\n"), 0644)
}
