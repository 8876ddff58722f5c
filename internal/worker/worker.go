// Package worker defines the opaque worker-pool contract and its filesystem
// mailbox adapter. The supervisory core only ever sees spawn and poll; any
// concrete agent backend satisfies the same interface.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"foreman/internal/domain"
)

// Assignment describes one drop handed to a worker.
type Assignment struct {
	BuildSlug string `json:"build_slug"`
	DropID    string `json:"drop_id"`
	Title     string `json:"title,omitempty"`
}

// Handle identifies a spawned worker conversation.
type Handle struct {
	ConversationID string
}

// Poll outcomes.
const (
	PollRunning      = "running"
	PollDeposit      = "deposit"
	PollUnresponsive = "unresponsive"
)

type PollResult struct {
	State   string
	Deposit *domain.Deposit
}

// Runner is the external worker pool: spawn a drop, poll for its deposit.
type Runner interface {
	Spawn(ctx context.Context, a Assignment) (Handle, error)
	Poll(ctx context.Context, a Assignment, h Handle, startedAt time.Time) (PollResult, error)
}

// Mailbox is the filesystem adapter: assignments go to the outbox, workers
// leave deposits in the deposits directory. A running drop with no deposit
// past Timeout is declared unresponsive.
type Mailbox struct {
	Root    string // workspace root
	Timeout time.Duration
	Now     func() time.Time
}

func NewMailbox(workspace string, timeout time.Duration) *Mailbox {
	return &Mailbox{Root: workspace, Timeout: timeout}
}

func (m *Mailbox) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Mailbox) outboxPath(a Assignment) string {
	return filepath.Join(m.Root, ".foreman", "outbox", a.BuildSlug, a.DropID+".json")
}

func (m *Mailbox) depositPath(a Assignment) string {
	return filepath.Join(m.Root, ".foreman", "deposits", a.BuildSlug, a.DropID+".json")
}

// Spawn writes the assignment file atomically and returns a fresh handle.
func (m *Mailbox) Spawn(ctx context.Context, a Assignment) (Handle, error) {
	if a.BuildSlug == "" || a.DropID == "" {
		return Handle{}, fmt.Errorf("assignment requires build and drop")
	}
	path := m.outboxPath(a)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Handle{}, fmt.Errorf("create outbox: %w", err)
	}
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return Handle{}, err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return Handle{}, fmt.Errorf("write assignment: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return Handle{}, fmt.Errorf("publish assignment: %w", err)
	}
	return Handle{ConversationID: uuid.New().String()}, nil
}

// Poll checks for a deposit file. One claim per drop attempt: once read, the
// file is renamed aside so a later retry gets a clean slot.
func (m *Mailbox) Poll(ctx context.Context, a Assignment, h Handle, startedAt time.Time) (PollResult, error) {
	path := m.depositPath(a)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return PollResult{}, fmt.Errorf("read deposit: %w", err)
		}
		if m.Timeout > 0 && m.now().Sub(startedAt) > m.Timeout {
			return PollResult{State: PollUnresponsive}, nil
		}
		return PollResult{State: PollRunning}, nil
	}
	var dep domain.Deposit
	if err := json.Unmarshal(data, &dep); err != nil {
		return PollResult{}, fmt.Errorf("parse deposit %s: %w", path, err)
	}
	dep.BuildSlug = a.BuildSlug
	dep.DropID = a.DropID
	consumed := fmt.Sprintf("%s.consumed.%d", path, m.now().UnixNano())
	if err := os.Rename(path, consumed); err != nil {
		return PollResult{}, fmt.Errorf("consume deposit: %w", err)
	}
	return PollResult{State: PollDeposit, Deposit: &dep}, nil
}
