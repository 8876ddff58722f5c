package engine

import (
	"fmt"
	"time"

	"foreman/internal/domain"
)

// Recovery actions.
const (
	ActionAutoRetry     = "auto_retry"
	ActionEscalate      = "escalate"
	ActionNeedsJudgment = "needs_judgment"
	ActionNone          = "none"
)

// Decision is one recovery-engine output record. Build-level escalations
// carry an empty DropID; Block marks the one that halts the build.
type Decision struct {
	DropID string `json:"drop_id,omitempty"`
	Action string `json:"action"`
	Reason string `json:"reason"`
	Block  bool   `json:"block,omitempty"`
}

// RecoveryInput is the full state of one build as of after the current
// pass's spawn/consume step. Decisions are never computed from stale
// pre-pass state.
type RecoveryInput struct {
	Build      domain.Build
	Drops      []domain.Drop
	Now        time.Time
	MaxRetries int
	StaleAfter time.Duration
}

// EvaluateRecovery applies the rule table, first match wins per drop:
//
//	dead, retries left                 -> auto_retry
//	failed at the spawn layer, retries -> auto_retry
//	failed by the deposit gate         -> needs_judgment
//	no automatic path forward          -> escalate (build blocked)
//	stale build, zero progress         -> escalate (stale)
//
// Absence of action is itself an outcome: drops needing nothing get an
// explicit "none" record. Pure function; no side effects.
func EvaluateRecovery(in RecoveryInput) []Decision {
	byID := indexDrops(in.Drops)
	decisions := make([]Decision, 0, len(in.Drops))
	retriesIssued := 0
	for _, d := range in.Drops {
		switch {
		case d.Status == domain.DropDead && d.RetryCount < in.MaxRetries && d.Resolution != domain.ResolutionAbandoned:
			decisions = append(decisions, Decision{
				DropID: d.ID,
				Action: ActionAutoRetry,
				Reason: fmt.Sprintf("worker unresponsive; retry %d of %d", d.RetryCount+1, in.MaxRetries),
			})
			retriesIssued++
		case d.Status == domain.DropFailed && d.FailureKind == domain.FailureSpawn && d.RetryCount < in.MaxRetries:
			decisions = append(decisions, Decision{
				DropID: d.ID,
				Action: ActionAutoRetry,
				Reason: fmt.Sprintf("spawn-layer failure; retry %d of %d", d.RetryCount+1, in.MaxRetries),
			})
			retriesIssued++
		case d.Status == domain.DropFailed && d.FailureKind == domain.FailureContent && d.Resolution == "":
			decisions = append(decisions, Decision{
				DropID: d.ID,
				Action: ActionNeedsJudgment,
				Reason: "deposit rejected by validator; reviewer must confirm or overturn",
			})
		default:
			decisions = append(decisions, Decision{
				DropID: d.ID,
				Action: ActionNone,
				Reason: "no recovery needed",
			})
		}
	}

	if in.Build.Status == domain.BuildActive {
		if blocked, reason := noForwardPath(in.Drops, byID, retriesIssued); blocked {
			decisions = append(decisions, Decision{
				Action: ActionEscalate,
				Reason: reason,
				Block:  true,
			})
			return decisions
		}
		if lastProgress, err := time.Parse(time.RFC3339, in.Build.LastProgressAt); err == nil {
			if idle := in.Now.Sub(lastProgress); idle > in.StaleAfter {
				decisions = append(decisions, Decision{
					Action: ActionEscalate,
					Reason: fmt.Sprintf("build stale: no drop status change for %s (threshold %s)", idle.Round(time.Minute), in.StaleAfter),
				})
			}
		}
	}
	return decisions
}

// noForwardPath checks whether the build is not complete, nothing is
// running, nothing can start, and no retry was issued this pass. The only
// remaining blockers are dead or failed drops.
func noForwardPath(drops []domain.Drop, byID map[string]domain.Drop, retriesIssued int) (bool, string) {
	if retriesIssued > 0 {
		return false, ""
	}
	incomplete := 0
	blockers := 0
	for _, d := range drops {
		switch d.Status {
		case domain.DropComplete:
			continue
		case domain.DropRunning:
			return false, ""
		case domain.DropPending:
			if eligibleToStart(d, byID, drops) {
				return false, ""
			}
			incomplete++
		case domain.DropDead, domain.DropFailed:
			incomplete++
			blockers++
		}
	}
	if incomplete == 0 || blockers == 0 {
		return false, ""
	}
	return true, fmt.Sprintf("no automatic path forward: %d drops dead or failed with retries exhausted, %d drops unreachable", blockers, incomplete-blockers)
}
