package engine

import (
	"context"
	"errors"
	"fmt"

	"foreman/internal/domain"
)

// ErrLeaseHeld means another invocation holds an unexpired tick lease; the
// build is skipped entirely this round, never partially processed.
var ErrLeaseHeld = errors.New("tick lease held")

// AcquireTickLease takes the per-build mutual-exclusion token. It succeeds
// when no lease exists or the recorded one has expired (stale-lease
// takeover). Lease TTL is the sole recovery mechanism for orchestrator
// crashes: a cycle that dies mid-pass simply lets its lease lapse.
func (e Engine) AcquireTickLease(ctx context.Context, slug string) (domain.TickLease, error) {
	lease, ok, err := e.Repo.AcquireLease(ctx, slug, e.Holder, e.now(), e.Config.Supervisor.LeaseTTL.Std())
	if err != nil {
		return domain.TickLease{}, fmt.Errorf("acquire lease for %s: %w", slug, err)
	}
	if !ok {
		return domain.TickLease{}, ErrLeaseHeld
	}
	return lease, nil
}

// ReleaseTickLease clears the lease if this invocation still holds it. A
// stale caller that lost the lease to TTL takeover is a silent no-op.
func (e Engine) ReleaseTickLease(ctx context.Context, lease domain.TickLease) error {
	return e.Repo.ReleaseLease(ctx, lease.BuildSlug, lease.Holder)
}
