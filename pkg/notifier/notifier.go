// Package notifier provides session completion notifications
package notifier

import (
	"fmt"
	"sync"
	"time"

	"github.com/gen2brain/beeep"
	"github.com/meshforge/meshforge/pkg/logger"
)

// SessionNotifier sends desktop notifications for session outcomes
type SessionNotifier struct {
	mu      sync.RWMutex
	enabled bool
	logger  logger.Logger
}

// Config represents notification configuration
type Config struct {
	Enabled bool
}

// New creates a session notifier
func New(config Config, log logger.Logger) *SessionNotifier {
	return &SessionNotifier{
		enabled: config.Enabled,
		logger:  log,
	}
}

// SetEnabled toggles notifications at runtime, used by config reload
func (n *SessionNotifier) SetEnabled(enabled bool) {
	n.mu.Lock()
	n.enabled = enabled
	n.mu.Unlock()
}

func (n *SessionNotifier) isEnabled() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.enabled
}

// NotifySessionComplete notifies that a reconstruction finished
func (n *SessionNotifier) NotifySessionComplete(sessionID string, duration time.Duration) {
	if !n.isEnabled() {
		return
	}
	n.send("✅ Reconstruction Complete",
		fmt.Sprintf("Session %s finished in %s", sessionID, formatDuration(duration)))
}

// NotifySessionFailed notifies that a reconstruction failed
func (n *SessionNotifier) NotifySessionFailed(sessionID string, err error) {
	if !n.isEnabled() {
		return
	}
	n.send("❌ Reconstruction Failed", fmt.Sprintf("Session %s: %v", sessionID, err))
}

// NotifySessionCancelled notifies that a reconstruction was cancelled
func (n *SessionNotifier) NotifySessionCancelled(sessionID string) {
	if !n.isEnabled() {
		return
	}
	n.send("⏹ Reconstruction Cancelled", fmt.Sprintf("Session %s was cancelled", sessionID))
}

func (n *SessionNotifier) send(title, message string) {
	if err := beeep.Notify(title, message, ""); err != nil {
		if n.logger != nil {
			n.logger.Debug("Failed to send notification", logger.WithField("error", err))
		}
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}
