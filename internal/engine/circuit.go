package engine

import (
	"context"
	"time"

	"foreman/internal/domain"
)

// AllowSpawn consults the per-build spawn circuit breaker. An open breaker
// whose cool-down has elapsed auto-closes and permits the attempt.
func (e Engine) AllowSpawn(ctx context.Context, b *domain.Build) (bool, error) {
	if !b.Circuit.Open {
		return true, nil
	}
	openUntil, err := time.Parse(time.RFC3339, b.Circuit.OpenUntil)
	if err != nil || e.now().Before(openUntil) {
		return false, nil
	}
	b.Circuit = domain.SpawnCircuit{}
	if err := e.Repo.UpdateCircuit(ctx, b.Slug, b.Circuit); err != nil {
		return false, err
	}
	return true, nil
}

// RecordSpawnFailure counts a failure within the sliding window and opens
// the breaker at the configured threshold. The reason is operator-visible,
// never silent.
func (e Engine) RecordSpawnFailure(ctx context.Context, b *domain.Build, reason string) error {
	now := e.now()
	windowStart, parseErr := time.Parse(time.RFC3339, b.Circuit.WindowStart)
	if b.Circuit.WindowStart == "" || parseErr != nil || now.Sub(windowStart) > e.Config.Circuit.FailureWindow.Std() {
		b.Circuit.Failures = 0
		b.Circuit.WindowStart = now.UTC().Format(time.RFC3339)
	}
	b.Circuit.Failures++
	if b.Circuit.Failures >= e.Config.Circuit.FailureThreshold {
		b.Circuit.Open = true
		b.Circuit.OpenUntil = now.Add(e.Config.Circuit.CoolDown.Std()).UTC().Format(time.RFC3339)
		b.Circuit.OpenReason = reason
	}
	return e.Repo.UpdateCircuit(ctx, b.Slug, b.Circuit)
}

// RecordSpawnSuccess resets the failure counter.
func (e Engine) RecordSpawnSuccess(ctx context.Context, b *domain.Build) error {
	if b.Circuit.Failures == 0 && !b.Circuit.Open {
		return nil
	}
	b.Circuit = domain.SpawnCircuit{}
	return e.Repo.UpdateCircuit(ctx, b.Slug, b.Circuit)
}
