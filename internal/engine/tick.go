package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"foreman/internal/control"
	"foreman/internal/domain"
	"foreman/internal/events"
	"foreman/internal/worker"
)

// TickReport summarizes one supervisory cycle.
type TickReport struct {
	State       string      `json:"state"`
	Builds      []BuildTick `json:"builds,omitempty"`
	Skipped     []string    `json:"skipped,omitempty"`
	Criticals   int         `json:"criticals"`
	Escalations int         `json:"escalations"`
}

// OK reports whether the cycle saw zero critical issues and zero
// escalations; anything else is a failing outcome for the operator.
func (r TickReport) OK() bool {
	return r.Criticals == 0 && r.Escalations == 0
}

type BuildTick struct {
	Slug      string     `json:"slug"`
	Spawned   int        `json:"spawned"`
	Accepted  int        `json:"accepted"`
	Rejected  int        `json:"rejected"`
	Dead      int        `json:"dead"`
	Decisions []Decision `json:"decisions,omitempty"`
	TimedOut  bool       `json:"timed_out,omitempty"`
	Err       string     `json:"error,omitempty"`
}

// Tick runs one supervisory cycle: read the control plane fresh, then for
// each active build acquire the tick lease, run one orchestration pass,
// run the recovery engine against post-pass state, persist, release.
func (e Engine) Tick(ctx context.Context) (TickReport, error) {
	state, err := control.Read(e.Workspace)
	if err != nil {
		return TickReport{}, err
	}
	report := TickReport{State: state.State}
	if state.State != control.StateActive {
		return report, nil
	}

	builds, err := e.Repo.ListBuilds(ctx, domain.BuildActive)
	if err != nil {
		return TickReport{}, err
	}
	for _, b := range builds {
		lease, err := e.AcquireTickLease(ctx, b.Slug)
		if errors.Is(err, ErrLeaseHeld) {
			report.Skipped = append(report.Skipped, b.Slug)
			continue
		}
		if err != nil {
			return report, err
		}
		bt := e.tickBuild(ctx, b)
		// Release is best-effort; TTL expiry covers a failed release.
		if err := e.ReleaseTickLease(ctx, lease); err != nil {
			bt.Err = joinErr(bt.Err, fmt.Sprintf("release lease: %v", err))
		}
		report.Builds = append(report.Builds, bt)
		report.Criticals += bt.Rejected
		for _, d := range bt.Decisions {
			if d.Action == ActionEscalate {
				report.Escalations++
			}
		}
	}
	return report, nil
}

// tickBuild runs the bounded orchestration pass plus recovery for one build.
// A pass that exceeds its timeout is abandoned in place: progress already
// persisted stays valid, every step being idempotent.
func (e Engine) tickBuild(ctx context.Context, b domain.Build) BuildTick {
	bt := BuildTick{Slug: b.Slug}
	passCtx, cancel := context.WithTimeout(ctx, e.Config.Supervisor.PassTimeout.Std())
	defer cancel()

	if err := e.orchestrate(passCtx, &b, &bt); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			bt.TimedOut = true
		} else {
			bt.Err = joinErr(bt.Err, err.Error())
			return bt
		}
	}

	drops, err := e.Repo.ListDrops(ctx, b.Slug)
	if err != nil {
		bt.Err = joinErr(bt.Err, err.Error())
		return bt
	}
	current, err := e.Repo.GetBuild(ctx, b.Slug)
	if err != nil {
		bt.Err = joinErr(bt.Err, err.Error())
		return bt
	}
	bt.Decisions = EvaluateRecovery(RecoveryInput{
		Build:      current,
		Drops:      drops,
		Now:        e.now(),
		MaxRetries: e.Config.Supervisor.MaxRetries,
		StaleAfter: e.Config.Supervisor.StaleAfter.Std(),
	})
	if err := e.applyDecisions(ctx, current, drops, bt.Decisions); err != nil {
		bt.Err = joinErr(bt.Err, err.Error())
	}
	if err := e.finishIfComplete(ctx, b.Slug); err != nil {
		bt.Err = joinErr(bt.Err, err.Error())
	}
	return bt
}

// orchestrate is the spawn/poll/consume step. Polling precedes spawning so
// a deposit and the retry it may trigger never race within one pass.
func (e Engine) orchestrate(ctx context.Context, b *domain.Build, bt *BuildTick) error {
	drops, err := e.Repo.ListDrops(ctx, b.Slug)
	if err != nil {
		return err
	}
	progressed := false

	for _, d := range drops {
		if d.Status != domain.DropRunning {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		changed, err := e.pollDrop(ctx, b, d, bt)
		if err != nil {
			return err
		}
		progressed = progressed || changed
	}

	drops, err = e.Repo.ListDrops(ctx, b.Slug)
	if err != nil {
		return err
	}
	byID := indexDrops(drops)
	for _, d := range drops {
		if !eligibleToStart(d, byID, drops) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		allowed, err := e.AllowSpawn(ctx, b)
		if err != nil {
			return err
		}
		if !allowed {
			break
		}
		spawned, err := e.spawnDrop(ctx, b, d)
		if err != nil {
			return err
		}
		// A failed attempt still moved the drop (to failed/spawn) but is
		// not a spawn as far as the operator report is concerned.
		if spawned {
			bt.Spawned++
		}
		progressed = true
	}

	if progressed {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := e.Repo.TouchBuildProgressTx(ctx, tx, b.Slug, e.nowStr()); err != nil {
			return err
		}
		return tx.Commit()
	}
	return nil
}

// spawnDrop hands the drop to the runner. Returns whether a worker actually
// started; a spawn-layer failure settles the drop as failed/spawn instead.
func (e Engine) spawnDrop(ctx context.Context, b *domain.Build, d domain.Drop) (bool, error) {
	handle, spawnErr := e.Runner.Spawn(ctx, worker.Assignment{
		BuildSlug: b.Slug,
		DropID:    d.ID,
		Title:     d.Title,
	})
	now := e.nowStr()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if spawnErr != nil {
		d.Status = domain.DropFailed
		d.FailureKind = domain.FailureSpawn
		d.UpdatedAt = now
		if err := e.Repo.UpdateDropTx(ctx, tx, d); err != nil {
			return false, err
		}
		if err := e.Events.Append(ctx, tx, "drop.spawn_failed", b.Slug, "drop", d.ID, orchestratorActor, events.EventPayload{
			"error": spawnErr.Error(),
		}); err != nil {
			return false, err
		}
		if err := tx.Commit(); err != nil {
			return false, err
		}
		return false, e.RecordSpawnFailure(ctx, b, fmt.Sprintf("spawn %s: %v", d.ID, spawnErr))
	}

	d.Status = domain.DropRunning
	d.StartedAt = &now
	d.ConversationID = &handle.ConversationID
	d.FailureKind = ""
	d.UpdatedAt = now
	if err := e.Repo.UpdateDropTx(ctx, tx, d); err != nil {
		return false, err
	}
	if err := e.Events.Append(ctx, tx, "drop.spawned", b.Slug, "drop", d.ID, orchestratorActor, events.EventPayload{
		"conversation_id": handle.ConversationID,
		"attempt":         d.RetryCount + 1,
	}); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, e.RecordSpawnSuccess(ctx, b)
}

func (e Engine) pollDrop(ctx context.Context, b *domain.Build, d domain.Drop, bt *BuildTick) (bool, error) {
	started := e.now()
	if d.StartedAt != nil {
		if t, err := time.Parse(time.RFC3339, *d.StartedAt); err == nil {
			started = t
		}
	}
	var handle worker.Handle
	if d.ConversationID != nil {
		handle.ConversationID = *d.ConversationID
	}
	result, err := e.Runner.Poll(ctx, worker.Assignment{BuildSlug: b.Slug, DropID: d.ID, Title: d.Title}, handle, started)
	if err != nil {
		return false, fmt.Errorf("poll drop %s: %w", d.ID, err)
	}
	switch result.State {
	case worker.PollRunning:
		return false, nil
	case worker.PollUnresponsive:
		bt.Dead++
		return true, e.markDropDead(ctx, b.Slug, d)
	case worker.PollDeposit:
		dep := *result.Deposit
		dep.BuildSlug = b.Slug
		dep.DropID = d.ID
		accepted, err := e.ConsumeDeposit(ctx, dep)
		if err != nil {
			return false, err
		}
		if accepted {
			bt.Accepted++
		} else {
			bt.Rejected++
		}
		return true, nil
	default:
		return false, fmt.Errorf("poll drop %s: unknown state %q", d.ID, result.State)
	}
}

func (e Engine) markDropDead(ctx context.Context, slug string, d domain.Drop) error {
	now := e.nowStr()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	d.Status = domain.DropDead
	d.FailureKind = ""
	d.UpdatedAt = now
	if err := e.Repo.UpdateDropTx(ctx, tx, d); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "drop.dead", slug, "drop", d.ID, orchestratorActor, events.EventPayload{
		"reason": "worker unresponsive past timeout",
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// ConsumeDeposit records the worker's claim, runs it through the gate, and
// settles the drop: complete on pass, failed (content) on rejection. The
// deposit row is append-only; the report attaches alongside it. Returns
// whether the deposit was accepted.
func (e Engine) ConsumeDeposit(ctx context.Context, dep domain.Deposit) (bool, error) {
	d, err := e.Repo.GetDrop(ctx, dep.BuildSlug, dep.DropID)
	if err != nil {
		return false, err
	}
	now := e.nowStr()
	if dep.ID == "" {
		dep.ID = uuid.New().String()
	}
	if dep.CreatedAt == "" {
		dep.CreatedAt = now
	}
	report := e.Gate.Validate(dep, e.Workspace)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertDepositTx(ctx, tx, dep); err != nil {
		return false, fmt.Errorf("record deposit: %w", err)
	}
	if err := e.Repo.InsertValidationReportTx(ctx, tx, report); err != nil {
		return false, fmt.Errorf("record validation report: %w", err)
	}
	if report.Passed {
		d.Status = domain.DropComplete
		d.FailureKind = ""
	} else {
		// Rejected content is failed, not dead: the worker answered, the
		// answer was bad.
		d.Status = domain.DropFailed
		d.FailureKind = domain.FailureContent
		d.NeedsJudgment = true
	}
	d.UpdatedAt = now
	if err := e.Repo.UpdateDropTx(ctx, tx, d); err != nil {
		return false, err
	}
	if err := e.Events.Append(ctx, tx, "deposit.validated", dep.BuildSlug, "drop", dep.DropID, orchestratorActor, events.EventPayload{
		"deposit_id":     dep.ID,
		"passed":         report.Passed,
		"critical_count": report.CriticalCount,
		"warning_count":  report.WarningCount,
	}); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}

	if !report.Passed {
		// Best-effort: a lesson that cannot be recorded never blocks the
		// rejection, but the anomaly is surfaced.
		lessonErr := e.Lessons.Append(domain.Lesson{
			BuildSlug: dep.BuildSlug,
			DropID:    dep.DropID,
			Category:  "deposit_rejected",
			Severity:  "critical",
			Summary:   fmt.Sprintf("deposit for %s rejected: %d critical findings across %d files", dep.DropID, report.CriticalCount, report.FilesChecked),
			Details:   summarizeIssues(report),
		})
		if lessonErr != nil {
			e.reportLessonFailure(ctx, dep.BuildSlug, dep.DropID, lessonErr)
		}
	}
	return report.Passed, nil
}

func (e Engine) reportLessonFailure(ctx context.Context, slug, dropID string, lessonErr error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "lesson.append_failed", slug, "drop", dropID, orchestratorActor, events.EventPayload{
		"error": lessonErr.Error(),
	}); err != nil {
		return
	}
	_ = tx.Commit()
}

func summarizeIssues(report domain.ValidationReport) string {
	for path, issues := range report.Issues {
		if len(issues.Critical) > 0 {
			first := issues.Critical[0]
			return fmt.Sprintf("%s:%d %s: %s", path, first.Line, first.Message, first.Excerpt)
		}
	}
	return ""
}

// applyDecisions persists the recovery outcome. Auto-retry re-queues the
// drop; the next pass's spawn step picks it up, still subject to the
// circuit breaker.
func (e Engine) applyDecisions(ctx context.Context, b domain.Build, drops []domain.Drop, decisions []Decision) error {
	byID := indexDrops(drops)
	now := e.nowStr()
	for _, dec := range decisions {
		switch dec.Action {
		case ActionAutoRetry:
			d := byID[dec.DropID]
			tx, err := e.DB.BeginTx(ctx, nil)
			if err != nil {
				return err
			}
			d.Status = domain.DropPending
			d.RetryCount++
			d.FailureKind = ""
			d.NeedsJudgment = false
			d.StartedAt = nil
			d.ConversationID = nil
			d.UpdatedAt = now
			if err := e.Repo.UpdateDropTx(ctx, tx, d); err != nil {
				tx.Rollback()
				return err
			}
			if err := e.Events.Append(ctx, tx, "recovery.retry", b.Slug, "drop", d.ID, orchestratorActor, events.EventPayload{
				"retry_count": d.RetryCount,
				"reason":      dec.Reason,
			}); err != nil {
				tx.Rollback()
				return err
			}
			if err := e.Repo.TouchBuildProgressTx(ctx, tx, b.Slug, now); err != nil {
				tx.Rollback()
				return err
			}
			if err := tx.Commit(); err != nil {
				return err
			}
		case ActionNeedsJudgment:
			d := byID[dec.DropID]
			if d.NeedsJudgment {
				continue
			}
			tx, err := e.DB.BeginTx(ctx, nil)
			if err != nil {
				return err
			}
			d.NeedsJudgment = true
			d.UpdatedAt = now
			if err := e.Repo.UpdateDropTx(ctx, tx, d); err != nil {
				tx.Rollback()
				return err
			}
			if err := e.Events.Append(ctx, tx, "recovery.needs_judgment", b.Slug, "drop", d.ID, orchestratorActor, events.EventPayload{
				"reason": dec.Reason,
			}); err != nil {
				tx.Rollback()
				return err
			}
			if err := tx.Commit(); err != nil {
				return err
			}
		case ActionEscalate:
			if err := e.escalate(ctx, b, dec); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e Engine) escalate(ctx context.Context, b domain.Build, dec Decision) error {
	now := e.nowStr()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if dec.Block {
		if err := e.Repo.SetBuildStatusTx(ctx, tx, b.Slug, domain.BuildBlocked, now); err != nil {
			return err
		}
	}
	if err := e.Events.Append(ctx, tx, "recovery.escalated", b.Slug, "build", b.Slug, orchestratorActor, events.EventPayload{
		"reason":  dec.Reason,
		"blocked": dec.Block,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	lessonErr := e.Lessons.Append(domain.Lesson{
		BuildSlug: b.Slug,
		Category:  "escalation",
		Severity:  "critical",
		Summary:   dec.Reason,
	})
	if lessonErr != nil {
		e.reportLessonFailure(ctx, b.Slug, "", lessonErr)
	}
	return nil
}

// finishIfComplete transitions the build to complete iff every drop across
// every stream is complete, and archives it.
func (e Engine) finishIfComplete(ctx context.Context, slug string) error {
	counts, err := e.Repo.CountDropsByStatus(ctx, slug)
	if err != nil {
		return err
	}
	total := 0
	for _, c := range counts {
		total += c
	}
	if total == 0 || counts[domain.DropComplete] != total {
		return nil
	}
	b, err := e.Repo.GetBuild(ctx, slug)
	if err != nil {
		return err
	}
	if b.Status == domain.BuildComplete {
		return nil
	}
	now := e.nowStr()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.SetBuildStatusTx(ctx, tx, slug, domain.BuildComplete, now); err != nil {
		return err
	}
	if err := e.Repo.ArchiveBuildTx(ctx, tx, slug, now); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "build.complete", slug, "build", slug, orchestratorActor, events.EventPayload{}); err != nil {
		return err
	}
	return tx.Commit()
}

func joinErr(existing, next string) string {
	if existing == "" {
		return next
	}
	return existing + "; " + next
}
