package control_test

import (
	"os"
	"path/filepath"
	"testing"

	"foreman/internal/control"
)

func TestReadAutoCreatesActive(t *testing.T) {
	dir := t.TempDir()
	s, err := control.Read(dir)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if s.State != control.StateActive {
		t.Fatalf("missing file should mean active, got %s", s.State)
	}
	if _, err := os.Stat(filepath.Join(dir, ".foreman", "control.json")); err != nil {
		t.Fatalf("control file should have been created: %v", err)
	}
}

func TestSetAndReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	for _, state := range []string{control.StatePaused, control.StateStopped, control.StateActive} {
		if _, err := control.Set(dir, state); err != nil {
			t.Fatalf("set %s: %v", state, err)
		}
		s, err := control.Read(dir)
		if err != nil {
			t.Fatalf("read after %s: %v", state, err)
		}
		if s.State != state {
			t.Fatalf("got %s want %s", s.State, state)
		}
		if s.UpdatedAt == "" {
			t.Fatalf("expected timestamp")
		}
	}
}

func TestInvalidStatesRejected(t *testing.T) {
	dir := t.TempDir()
	if _, err := control.Set(dir, "halted"); err == nil {
		t.Fatalf("expected error for unknown state")
	}
	// hand-edited file with a bad value must surface, not default
	path := filepath.Join(dir, ".foreman", "control.json")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(`{"state":"halted"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := control.Read(dir); err == nil {
		t.Fatalf("expected error for invalid state on disk")
	}
	if err := os.WriteFile(path, []byte(`{not json`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := control.Read(dir); err == nil {
		t.Fatalf("expected error for corrupt file")
	}
}
