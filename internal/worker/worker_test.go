package worker_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"foreman/internal/domain"
	"foreman/internal/worker"
)

func newMailbox(t *testing.T) (*worker.Mailbox, string) {
	t.Helper()
	dir := t.TempDir()
	m := worker.NewMailbox(dir, 10*time.Minute)
	m.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return m, dir
}

func TestSpawnPublishesAssignment(t *testing.T) {
	m, dir := newMailbox(t)
	ctx := context.Background()
	a := worker.Assignment{BuildSlug: "demo", DropID: "d1", Title: "parse config"}
	h, err := m.Spawn(ctx, a)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if h.ConversationID == "" {
		t.Fatalf("expected conversation id")
	}
	data, err := os.ReadFile(filepath.Join(dir, ".foreman", "outbox", "demo", "d1.json"))
	if err != nil {
		t.Fatalf("read assignment: %v", err)
	}
	var got worker.Assignment
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got != a {
		t.Fatalf("got %+v want %+v", got, a)
	}
	if _, err := m.Spawn(ctx, worker.Assignment{}); err == nil {
		t.Fatalf("expected error for empty assignment")
	}
}

func TestPollRunningThenUnresponsive(t *testing.T) {
	m, _ := newMailbox(t)
	ctx := context.Background()
	a := worker.Assignment{BuildSlug: "demo", DropID: "d1"}
	started := m.Now()

	res, err := m.Poll(ctx, a, worker.Handle{}, started)
	if err != nil || res.State != worker.PollRunning {
		t.Fatalf("expected running, got %+v (%v)", res, err)
	}
	res, err = m.Poll(ctx, a, worker.Handle{}, started.Add(-11*time.Minute))
	if err != nil || res.State != worker.PollUnresponsive {
		t.Fatalf("expected unresponsive past timeout, got %+v (%v)", res, err)
	}
}

func TestPollConsumesDepositOnce(t *testing.T) {
	m, dir := newMailbox(t)
	ctx := context.Background()
	a := worker.Assignment{BuildSlug: "demo", DropID: "d1"}

	dep := domain.Deposit{Status: "done", Summary: "did it", Artifacts: []string{"src/x.go"}}
	data, _ := json.Marshal(dep)
	path := filepath.Join(dir, ".foreman", "deposits", "demo", "d1.json")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := m.Poll(ctx, a, worker.Handle{}, m.Now())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if res.State != worker.PollDeposit || res.Deposit == nil {
		t.Fatalf("expected deposit, got %+v", res)
	}
	if res.Deposit.BuildSlug != "demo" || res.Deposit.DropID != "d1" {
		t.Fatalf("deposit must be stamped with assignment identity: %+v", res.Deposit)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("deposit file should be renamed aside after claim")
	}
	// the slot is clean for a retry attempt
	res, err = m.Poll(ctx, a, worker.Handle{}, m.Now())
	if err != nil || res.State != worker.PollRunning {
		t.Fatalf("expected running after consume, got %+v (%v)", res, err)
	}
}

func TestPollRejectsCorruptDeposit(t *testing.T) {
	m, dir := newMailbox(t)
	path := filepath.Join(dir, ".foreman", "deposits", "demo", "d1.json")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := m.Poll(context.Background(), worker.Assignment{BuildSlug: "demo", DropID: "d1"}, worker.Handle{}, m.Now())
	if err == nil {
		t.Fatalf("expected parse error")
	}
}
