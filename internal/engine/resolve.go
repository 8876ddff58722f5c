package engine

import (
	"context"
	"fmt"

	"foreman/internal/domain"
	"foreman/internal/events"
)

// Resolution outcomes accepted by ResolveDrop.
const (
	OutcomeRetry   = "retry"
	OutcomeAccept  = "accept"
	OutcomeAbandon = "abandon"
)

// ResolveDrop applies a reviewer's judgment to a drop the validator flagged.
// Retry re-queues the drop for the next pass, accept takes the deposit as-is,
// abandon writes the drop off permanently. A blocked build whose blocker just
// got resolved goes back to active.
//
// Like any other mutation of build state, resolution runs inside the tick
// lease: a cycle in flight would otherwise write its stale drop snapshot back
// over the reviewer's verdict. Callers get ErrLeaseHeld and retry.
func (e Engine) ResolveDrop(ctx context.Context, slug, dropID, outcome, note, actorID string) (domain.Drop, error) {
	lease, err := e.AcquireTickLease(ctx, slug)
	if err != nil {
		return domain.Drop{}, err
	}
	defer func() { _ = e.ReleaseTickLease(ctx, lease) }()

	d, err := e.Repo.GetDrop(ctx, slug, dropID)
	if err != nil {
		return domain.Drop{}, err
	}
	if !d.NeedsJudgment && d.Status != domain.DropFailed && d.Status != domain.DropDead {
		return domain.Drop{}, fmt.Errorf("drop %s is %s and needs no judgment", dropID, d.Status)
	}
	if d.Resolution == domain.ResolutionAbandoned {
		return domain.Drop{}, fmt.Errorf("drop %s is already abandoned", dropID)
	}

	now := e.nowStr()
	switch outcome {
	case OutcomeRetry:
		d.Status = domain.DropPending
		d.RetryCount++
		d.FailureKind = ""
		d.NeedsJudgment = false
		d.Resolution = domain.ResolutionRetried
		d.StartedAt = nil
		d.ConversationID = nil
	case OutcomeAccept:
		d.Status = domain.DropComplete
		d.FailureKind = ""
		d.NeedsJudgment = false
		d.Resolution = domain.ResolutionAccepted
	case OutcomeAbandon:
		d.Status = domain.DropDead
		d.NeedsJudgment = false
		d.Resolution = domain.ResolutionAbandoned
	default:
		return domain.Drop{}, fmt.Errorf("unknown resolution outcome %q (want retry, accept or abandon)", outcome)
	}
	d.UpdatedAt = now

	b, err := e.Repo.GetBuild(ctx, slug)
	if err != nil {
		return domain.Drop{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Drop{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateDropTx(ctx, tx, d); err != nil {
		return domain.Drop{}, err
	}
	if err := e.Events.Append(ctx, tx, "drop.resolved", slug, "drop", dropID, actorID, events.EventPayload{
		"outcome": outcome,
		"note":    note,
	}); err != nil {
		return domain.Drop{}, err
	}
	// Judgment is new information: the no-forward-path verdict that blocked
	// the build no longer holds, so the scheduler picks it up again.
	if b.Status == domain.BuildBlocked {
		if err := e.Repo.SetBuildStatusTx(ctx, tx, slug, domain.BuildActive, now); err != nil {
			return domain.Drop{}, err
		}
		if err := e.Events.Append(ctx, tx, "build.status", slug, "build", slug, actorID, events.EventPayload{
			"from": domain.BuildBlocked,
			"to":   domain.BuildActive,
			"via":  "drop resolution",
		}); err != nil {
			return domain.Drop{}, err
		}
	}
	if err := e.Repo.TouchBuildProgressTx(ctx, tx, slug, now); err != nil {
		return domain.Drop{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Drop{}, err
	}

	if outcome == OutcomeAccept {
		if err := e.finishIfComplete(ctx, slug); err != nil {
			return d, err
		}
	}
	return d, nil
}
