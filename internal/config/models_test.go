package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func tempConfigPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "config.yaml")
}

func TestFirstLoadCreatesDefaults(t *testing.T) {
	path := tempConfigPath(t)

	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("settings file was not created: %v", err)
	}

	cfg := m.Get()
	if cfg.Capture.Engine != "auto" {
		t.Errorf("engine = %q, want auto", cfg.Capture.Engine)
	}
	if cfg.Capture.FrameTimeout.Std() != 5*time.Second {
		t.Errorf("frame_timeout = %v, want 5s", cfg.Capture.FrameTimeout.Std())
	}
	if cfg.Capture.RetryAttempts != 3 {
		t.Errorf("retry_attempts = %d, want 3", cfg.Capture.RetryAttempts)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("addr = %q, want :8080", cfg.Server.Addr)
	}
	if cfg.Output.Format != "png" {
		t.Errorf("format = %q, want png", cfg.Output.Format)
	}
}

func TestRoundTrip(t *testing.T) {
	path := tempConfigPath(t)

	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	cfg := m.Get()
	cfg.Capture.Engine = "legacy"
	cfg.Capture.MaxFrameAge = Duration(250 * time.Millisecond)
	cfg.Server.StreamFPS = 24
	cfg.Log.Level = "debug"
	if err := m.Update(cfg); err != nil {
		t.Fatalf("Update: %v", err)
	}

	reloaded, err := NewManager(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	got := reloaded.Get()
	if got.Capture.Engine != "legacy" {
		t.Errorf("engine = %q after reload", got.Capture.Engine)
	}
	if got.Capture.MaxFrameAge.Std() != 250*time.Millisecond {
		t.Errorf("max_frame_age = %v after reload", got.Capture.MaxFrameAge.Std())
	}
	if got.Server.StreamFPS != 24 {
		t.Errorf("stream_fps = %d after reload", got.Server.StreamFPS)
	}
	if got.Log.Level != "debug" {
		t.Errorf("log level = %q after reload", got.Log.Level)
	}
}

func TestPartialFileKeepsDefaults(t *testing.T) {
	path := tempConfigPath(t)
	partial := "capture:\n  engine: legacy\n"
	if err := os.WriteFile(path, []byte(partial), 0644); err != nil {
		t.Fatal(err)
	}

	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	cfg := m.Get()
	if cfg.Capture.Engine != "legacy" {
		t.Errorf("engine = %q, want legacy", cfg.Capture.Engine)
	}
	// Keys absent from the file keep their defaults.
	if cfg.Capture.RetryDelay.Std() != 200*time.Millisecond {
		t.Errorf("retry_delay = %v, want default 200ms", cfg.Capture.RetryDelay.Std())
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("addr = %q, want default :8080", cfg.Server.Addr)
	}
}

func TestInvalidDurationRejected(t *testing.T) {
	path := tempConfigPath(t)
	bad := "capture:\n  frame_timeout: banana\n"
	if err := os.WriteFile(path, []byte(bad), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := NewManager(path); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func TestResetRestoresDefaults(t *testing.T) {
	path := tempConfigPath(t)

	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	cfg := m.Get()
	cfg.Capture.Engine = "modern"
	if err := m.Update(cfg); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if err := m.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if got := m.Get().Capture.Engine; got != "auto" {
		t.Errorf("engine after reset = %q, want auto", got)
	}

	reloaded, err := NewManager(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := reloaded.Get().Capture.Engine; got != "auto" {
		t.Errorf("persisted engine after reset = %q, want auto", got)
	}
}
