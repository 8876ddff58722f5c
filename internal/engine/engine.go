// Package engine implements the orchestration and recovery core: plan
// finalization, the tick lease, the spawn circuit breaker, the per-build
// orchestration pass, and the rule-based recovery engine.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"foreman/internal/config"
	"foreman/internal/domain"
	"foreman/internal/events"
	"foreman/internal/lessons"
	"foreman/internal/repo"
	"foreman/internal/validator"
	"foreman/internal/worker"
)

const orchestratorActor = "foreman"

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Gate      *validator.Gate
	Lessons   lessons.Log
	Runner    worker.Runner
	Workspace string
	// Holder identifies this invocation as a lease holder.
	Holder string
	Now    func() time.Time
}

// New wires an engine over an open database and validated config.
func New(conn *sql.DB, cfg *config.Config, workspace string) (Engine, error) {
	gate, err := validator.New(cfg.Validator.CriticalPatterns, cfg.Validator.WarningPatterns)
	if err != nil {
		return Engine{}, err
	}
	return Engine{
		DB:        conn,
		Repo:      repo.Repo{DB: conn},
		Events:    events.Writer{DB: conn},
		Config:    cfg,
		Gate:      gate,
		Lessons:   lessons.New(workspace),
		Runner:    worker.NewMailbox(workspace, cfg.Supervisor.WorkerTimeout.Std()),
		Workspace: workspace,
		Holder:    uuid.New().String(),
		Now:       time.Now,
	}, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339)
}

// CreateBuild finalizes a plan into a new build. The plan is consumed once;
// streams, waves, drops and their dependency edges are fixed from here on.
func (e Engine) CreateBuild(ctx context.Context, plan domain.Plan, actorID string) (domain.Build, error) {
	if plan.Build == "" {
		return domain.Build{}, errors.New("plan build slug is required")
	}
	if len(plan.Streams) == 0 {
		return domain.Build{}, errors.New("plan requires at least one stream")
	}
	drops, err := dropsFromPlan(plan)
	if err != nil {
		return domain.Build{}, err
	}
	if err := ensureAcyclic(drops); err != nil {
		return domain.Build{}, err
	}
	now := e.nowStr()
	b := domain.Build{
		Slug:           plan.Build,
		Status:         domain.BuildActive,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastProgressAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Build{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertBuildTx(ctx, tx, b); err != nil {
		return domain.Build{}, fmt.Errorf("insert build: %w", err)
	}
	for _, d := range drops {
		d.UpdatedAt = now
		if err := e.Repo.InsertDropTx(ctx, tx, d); err != nil {
			return domain.Build{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, "build.created", b.Slug, "build", b.Slug, actorID, events.EventPayload{
		"streams": len(plan.Streams),
		"drops":   len(drops),
	}); err != nil {
		return domain.Build{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Build{}, err
	}
	return b, nil
}

func dropsFromPlan(plan domain.Plan) ([]domain.Drop, error) {
	var drops []domain.Drop
	seen := map[string]bool{}
	for _, stream := range plan.Streams {
		if stream.Name == "" {
			return nil, errors.New("stream name is required")
		}
		if len(stream.Waves) == 0 {
			return nil, fmt.Errorf("stream %s has no waves", stream.Name)
		}
		for waveIdx, wave := range stream.Waves {
			if len(wave.Drops) == 0 {
				return nil, fmt.Errorf("stream %s wave %d has no drops", stream.Name, waveIdx+1)
			}
			for _, dp := range wave.Drops {
				if dp.ID == "" {
					return nil, fmt.Errorf("stream %s wave %d has a drop without id", stream.Name, waveIdx+1)
				}
				if seen[dp.ID] {
					return nil, fmt.Errorf("duplicate drop id %s", dp.ID)
				}
				seen[dp.ID] = true
				drops = append(drops, domain.Drop{
					BuildSlug: plan.Build,
					ID:        dp.ID,
					Stream:    stream.Name,
					Wave:      waveIdx + 1,
					Title:     dp.Title,
					Status:    domain.DropPending,
					DependsOn: dp.DependsOn,
				})
			}
		}
	}
	for _, d := range drops {
		for _, dep := range d.DependsOn {
			if !seen[dep] {
				return nil, fmt.Errorf("drop %s depends on unknown drop %s", d.ID, dep)
			}
			if dep == d.ID {
				return nil, fmt.Errorf("drop %s depends on itself", d.ID)
			}
		}
	}
	return drops, nil
}

// ensureAcyclic rejects plans whose depends_on edges form a cycle.
func ensureAcyclic(drops []domain.Drop) error {
	deps := map[string][]string{}
	for _, d := range drops {
		deps[d.ID] = d.DependsOn
	}
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[string]int{}
	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case gray:
			return fmt.Errorf("dependency cycle through drop %s", id)
		case black:
			return nil
		}
		color[id] = gray
		for _, dep := range deps[id] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}
	for _, d := range drops {
		if err := visit(d.ID); err != nil {
			return err
		}
	}
	return nil
}

// SetBuildStatus is the operator-facing transition (pause/resume/fail). It
// takes the tick lease for the duration so the transition never interleaves
// with an orchestration pass; ErrLeaseHeld means try again after the cycle.
func (e Engine) SetBuildStatus(ctx context.Context, slug, status, actorID string) (domain.Build, error) {
	lease, err := e.AcquireTickLease(ctx, slug)
	if err != nil {
		return domain.Build{}, err
	}
	defer func() { _ = e.ReleaseTickLease(ctx, lease) }()

	b, err := e.Repo.GetBuild(ctx, slug)
	if err != nil {
		return b, err
	}
	if err := ensureBuildTransition(b.Status, status); err != nil {
		return b, err
	}
	now := e.nowStr()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return b, err
	}
	defer tx.Rollback()
	if err := e.Repo.SetBuildStatusTx(ctx, tx, slug, status, now); err != nil {
		return b, err
	}
	if isTerminal(status) {
		if err := e.Repo.ArchiveBuildTx(ctx, tx, slug, now); err != nil {
			return b, err
		}
	}
	if err := e.Events.Append(ctx, tx, "build.status", slug, "build", slug, actorID, events.EventPayload{
		"from": b.Status,
		"to":   status,
	}); err != nil {
		return b, err
	}
	if err := tx.Commit(); err != nil {
		return b, err
	}
	return e.Repo.GetBuild(ctx, slug)
}

func ensureBuildTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case domain.BuildActive:
		if newStatus == domain.BuildPaused || newStatus == domain.BuildFailed || newStatus == domain.BuildBlocked {
			return nil
		}
	case domain.BuildPaused:
		if newStatus == domain.BuildActive || newStatus == domain.BuildFailed {
			return nil
		}
	case domain.BuildBlocked:
		if newStatus == domain.BuildActive || newStatus == domain.BuildFailed {
			return nil
		}
	}
	return fmt.Errorf("invalid build status transition %s -> %s", oldStatus, newStatus)
}

func isTerminal(status string) bool {
	return status == domain.BuildComplete || status == domain.BuildFailed
}

// eligibleToStart reports whether a pending drop may be spawned: every
// depends_on entry complete, and every drop in earlier waves of the same
// stream complete.
func eligibleToStart(d domain.Drop, byID map[string]domain.Drop, all []domain.Drop) bool {
	if d.Status != domain.DropPending {
		return false
	}
	if d.Resolution == domain.ResolutionAbandoned {
		return false
	}
	for _, dep := range d.DependsOn {
		if byID[dep].Status != domain.DropComplete {
			return false
		}
	}
	for _, other := range all {
		if other.Stream == d.Stream && other.Wave < d.Wave && other.Status != domain.DropComplete {
			return false
		}
	}
	return true
}

func indexDrops(drops []domain.Drop) map[string]domain.Drop {
	byID := make(map[string]domain.Drop, len(drops))
	for _, d := range drops {
		byID[d.ID] = d
	}
	return byID
}
