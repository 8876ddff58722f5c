package lessons_test

import (
	"fmt"
	"os"
	"testing"
	"time"

	"foreman/internal/domain"
	"foreman/internal/lessons"
)

func TestAppendAndTail(t *testing.T) {
	log := lessons.New(t.TempDir())
	log.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }

	for i := 0; i < 5; i++ {
		err := log.Append(domain.Lesson{
			BuildSlug: "demo",
			DropID:    fmt.Sprintf("d%d", i),
			Category:  "deposit_rejected",
			Severity:  "critical",
			Summary:   "rejected",
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	got, err := log.Tail(3)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3, got %d", len(got))
	}
	if got[0].DropID != "d2" || got[2].DropID != "d4" {
		t.Fatalf("tail must keep file order, got %+v", got)
	}
	if got[0].Timestamp != "2024-01-01T00:00:00Z" {
		t.Fatalf("expected filled timestamp, got %q", got[0].Timestamp)
	}
}

func TestTailMissingFileIsEmpty(t *testing.T) {
	log := lessons.New(t.TempDir())
	got, err := log.Tail(10)
	if err != nil || got != nil {
		t.Fatalf("missing log should be empty, got %v (%v)", got, err)
	}
}

func TestAppendRequiresBuild(t *testing.T) {
	log := lessons.New(t.TempDir())
	if err := log.Append(domain.Lesson{Summary: "orphan"}); err == nil {
		t.Fatalf("expected error for missing build slug")
	}
}

func TestAppendNeverRewrites(t *testing.T) {
	log := lessons.New(t.TempDir())
	if err := log.Append(domain.Lesson{BuildSlug: "demo", Category: "a", Severity: "warning", Summary: "one"}); err != nil {
		t.Fatal(err)
	}
	first, err := os.ReadFile(log.Path)
	if err != nil {
		t.Fatal(err)
	}
	if err := log.Append(domain.Lesson{BuildSlug: "demo", Category: "b", Severity: "warning", Summary: "two"}); err != nil {
		t.Fatal(err)
	}
	second, err := os.ReadFile(log.Path)
	if err != nil {
		t.Fatal(err)
	}
	if len(second) <= len(first) || string(second[:len(first)]) != string(first) {
		t.Fatalf("existing records must be untouched")
	}
}
