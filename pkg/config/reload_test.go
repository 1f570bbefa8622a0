package config_test

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/meshforge/meshforge/pkg/config"
	"github.com/meshforge/meshforge/pkg/logger"
)

func TestReloadManagerNotifiesOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meshforge.config.json")
	if err := os.WriteFile(path, []byte(`{"version":"1.0","outputDir":"out","engineBinary":"colmap","notifications":false}`), 0644); err != nil {
		t.Fatal(err)
	}

	log := logger.CreateLoggerWithOutput("error", io.Discard)
	rm := config.NewReloadManager(path, log)

	reloaded := make(chan *config.Config, 1)
	rm.AddCallback(func(cfg *config.Config, err error) {
		if err == nil && cfg != nil {
			select {
			case reloaded <- cfg:
			default:
			}
		}
	})

	if err := rm.StartWatching(); err != nil {
		t.Fatalf("StartWatching failed: %v", err)
	}
	defer rm.StopWatching()

	if !rm.IsWatching() {
		t.Fatal("expected manager to be watching")
	}
	if err := rm.StartWatching(); err == nil {
		t.Error("expected second StartWatching to fail")
	}

	// Modification times have coarse resolution on some filesystems
	time.Sleep(1100 * time.Millisecond)
	if err := os.WriteFile(path, []byte(`{"version":"1.0","outputDir":"out","engineBinary":"colmap","notifications":true}`), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-reloaded:
		if !cfg.Notifications {
			t.Error("expected reloaded config to carry the new value")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("reload callback never fired")
	}
}

func TestReloadManagerStopIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meshforge.config.json")
	if err := os.WriteFile(path, []byte(`{"version":"1.0","outputDir":"out","engineBinary":"colmap"}`), 0644); err != nil {
		t.Fatal(err)
	}

	log := logger.CreateLoggerWithOutput("error", io.Discard)
	rm := config.NewReloadManager(path, log)

	if err := rm.StartWatching(); err != nil {
		t.Fatalf("StartWatching failed: %v", err)
	}
	if err := rm.StopWatching(); err != nil {
		t.Fatalf("StopWatching failed: %v", err)
	}
	if err := rm.StopWatching(); err != nil {
		t.Errorf("second StopWatching should be a no-op, got %v", err)
	}
	if rm.IsWatching() {
		t.Error("expected manager to be stopped")
	}
}
