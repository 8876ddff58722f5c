// Package lessons keeps the append-only system-learnings log: one JSON
// record per line, written when the deposit gate rejects work or recovery
// escalates. Appends are best-effort for callers; a failed append must not
// block the decision that produced the lesson.
package lessons

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"foreman/internal/domain"
)

type Log struct {
	Path string
	Now  func() time.Time
}

// DefaultPath returns the lesson log location for a workspace.
func DefaultPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".foreman", "lessons.jsonl")
}

func New(workspace string) Log {
	return Log{Path: DefaultPath(workspace)}
}

// Append writes one lesson record. The timestamp is filled in when empty.
func (l Log) Append(lesson domain.Lesson) error {
	if lesson.Timestamp == "" {
		now := l.Now
		if now == nil {
			now = time.Now
		}
		lesson.Timestamp = now().UTC().Format(time.RFC3339)
	}
	if lesson.BuildSlug == "" {
		return fmt.Errorf("lesson build_slug required")
	}
	data, err := json.Marshal(lesson)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(l.Path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(l.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

// Tail returns the last n lessons in file order.
func (l Log) Tail(n int) ([]domain.Lesson, error) {
	f, err := os.Open(l.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	var all []domain.Lesson
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var lesson domain.Lesson
		if err := json.Unmarshal(line, &lesson); err != nil {
			return nil, fmt.Errorf("corrupt lesson record: %w", err)
		}
		all = append(all, lesson)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	return all, nil
}
