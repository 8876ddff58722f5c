// Package control implements the tri-state switch gating the supervisory
// cycle. State lives in a small JSON file so an operator toggle takes effect
// on the very next invocation; nothing caches it.
package control

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	StateActive  = "active"
	StatePaused  = "paused"
	StateStopped = "stopped"
)

type State struct {
	State     string `json:"state" enum:"active,paused,stopped"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

func filePath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".foreman", "control.json")
}

// Read returns the current control state. A missing file means active and is
// auto-created so the operator always has something to edit.
func Read(workspace string) (State, error) {
	path := filePath(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			s := State{State: StateActive, UpdatedAt: time.Now().UTC().Format(time.RFC3339)}
			if err := write(path, s); err != nil {
				return State{}, err
			}
			return s, nil
		}
		return State{}, err
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return State{}, fmt.Errorf("parse control file %s: %w", path, err)
	}
	switch s.State {
	case StateActive, StatePaused, StateStopped:
	default:
		return State{}, fmt.Errorf("control file %s has invalid state %q", path, s.State)
	}
	return s, nil
}

// Set writes a new control state.
func Set(workspace, state string) (State, error) {
	switch state {
	case StateActive, StatePaused, StateStopped:
	default:
		return State{}, fmt.Errorf("invalid control state %q", state)
	}
	s := State{State: state, UpdatedAt: time.Now().UTC().Format(time.RFC3339)}
	if err := os.MkdirAll(filepath.Dir(filePath(workspace)), 0o755); err != nil {
		return State{}, err
	}
	if err := write(filePath(workspace), s); err != nil {
		return State{}, err
	}
	return s, nil
}

func write(path string, s State) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
