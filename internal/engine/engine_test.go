package engine_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"foreman/internal/config"
	"foreman/internal/db"
	"foreman/internal/domain"
	"foreman/internal/engine"
	"foreman/internal/migrate"
	"foreman/internal/worker"
)

type testEnv struct {
	Engine    engine.Engine
	Ctx       context.Context
	Workspace string
	Clock     *time.Time
	Runner    *stubRunner
}

// stubRunner scripts spawn/poll outcomes per drop.
type stubRunner struct {
	spawnErr map[string]error
	polls    map[string]worker.PollResult
	spawned  []string
}

func (s *stubRunner) Spawn(ctx context.Context, a worker.Assignment) (worker.Handle, error) {
	if err := s.spawnErr[a.DropID]; err != nil {
		return worker.Handle{}, err
	}
	s.spawned = append(s.spawned, a.DropID)
	return worker.Handle{ConversationID: "conv-" + a.DropID}, nil
}

func (s *stubRunner) Poll(ctx context.Context, a worker.Assignment, h worker.Handle, startedAt time.Time) (worker.PollResult, error) {
	if r, ok := s.polls[a.DropID]; ok {
		return r, nil
	}
	return worker.PollResult{State: worker.PollRunning}, nil
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng, err := engine.New(conn, config.Default(), dir)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time { return clock }
	runner := &stubRunner{spawnErr: map[string]error{}, polls: map[string]worker.PollResult{}}
	eng.Runner = runner
	return &testEnv{Engine: eng, Ctx: context.Background(), Workspace: dir, Clock: &clock, Runner: runner}
}

func (env *testEnv) advance(d time.Duration) {
	*env.Clock = env.Clock.Add(d)
}

func twoWavePlan(slug string) domain.Plan {
	return domain.Plan{
		Build: slug,
		Streams: []domain.StreamPlan{
			{
				Name: "core",
				Waves: []domain.WavePlan{
					{Drops: []domain.DropPlan{{ID: "d1", Title: "first"}, {ID: "d2", Title: "second"}}},
					{Drops: []domain.DropPlan{{ID: "d3", Title: "third", DependsOn: []string{"d1"}}}},
				},
			},
		},
	}
}

func (env *testEnv) mustCreate(t *testing.T, plan domain.Plan) domain.Build {
	t.Helper()
	b, err := env.Engine.CreateBuild(env.Ctx, plan, "tester")
	if err != nil {
		t.Fatalf("create build: %v", err)
	}
	return b
}

func TestCreateBuildRejectsBadPlans(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		name string
		plan domain.Plan
	}{
		{"empty", domain.Plan{Build: "b"}},
		{"duplicate drop id", domain.Plan{Build: "b", Streams: []domain.StreamPlan{{
			Name:  "s",
			Waves: []domain.WavePlan{{Drops: []domain.DropPlan{{ID: "x"}, {ID: "x"}}}},
		}}}},
		{"unknown dependency", domain.Plan{Build: "b", Streams: []domain.StreamPlan{{
			Name:  "s",
			Waves: []domain.WavePlan{{Drops: []domain.DropPlan{{ID: "x", DependsOn: []string{"ghost"}}}}},
		}}}},
		{"self dependency", domain.Plan{Build: "b", Streams: []domain.StreamPlan{{
			Name:  "s",
			Waves: []domain.WavePlan{{Drops: []domain.DropPlan{{ID: "x", DependsOn: []string{"x"}}}}},
		}}}},
		{"cycle", domain.Plan{Build: "b", Streams: []domain.StreamPlan{{
			Name: "s",
			Waves: []domain.WavePlan{{Drops: []domain.DropPlan{
				{ID: "a", DependsOn: []string{"b"}},
				{ID: "b", DependsOn: []string{"a"}},
			}}},
		}}}},
	}
	for _, tc := range cases {
		if _, err := env.Engine.CreateBuild(env.Ctx, tc.plan, "tester"); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}

func TestTickSpawnsOnlyEligibleDrops(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, twoWavePlan("demo"))

	report, err := env.Engine.Tick(env.Ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if !report.OK() {
		t.Fatalf("expected clean tick, got %+v", report)
	}
	// wave 1 spawns, wave 2 waits on wave 1 plus the d1 dependency
	if len(env.Runner.spawned) != 2 {
		t.Fatalf("expected 2 spawns, got %v", env.Runner.spawned)
	}
	d3, err := env.Engine.Repo.GetDrop(env.Ctx, "demo", "d3")
	if err != nil {
		t.Fatal(err)
	}
	if d3.Status != domain.DropPending {
		t.Fatalf("wave 2 drop should still be pending, got %s", d3.Status)
	}
}

func writeArtifact(t *testing.T, workspace, rel, content string) {
	t.Helper()
	path := filepath.Join(workspace, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestDepositGateAcceptsCleanWork(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, twoWavePlan("demo"))
	writeArtifact(t, env.Workspace, "src/add.py", "def add(a, b):\n    return a + b\n")

	if _, err := env.Engine.Tick(env.Ctx); err != nil {
		t.Fatal(err)
	}
	env.Runner.polls["d1"] = worker.PollResult{State: worker.PollDeposit, Deposit: &domain.Deposit{
		Status:    "done",
		Artifacts: []string{"src/add.py"},
	}}
	report, err := env.Engine.Tick(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !report.OK() {
		t.Fatalf("expected clean tick, got %+v", report)
	}
	d1, _ := env.Engine.Repo.GetDrop(env.Ctx, "demo", "d1")
	if d1.Status != domain.DropComplete {
		t.Fatalf("expected complete, got %s", d1.Status)
	}
	reports, err := env.Engine.Repo.ListValidationReports(env.Ctx, "demo", "d1")
	if err != nil || len(reports) != 1 || !reports[0].Passed {
		t.Fatalf("expected one passing report, got %v (%v)", reports, err)
	}
}

func TestDepositGateRejectsStubWork(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, twoWavePlan("demo"))
	writeArtifact(t, env.Workspace, "src/add.py", "def add(a, b): pass  # TODO: implement\n")

	if _, err := env.Engine.Tick(env.Ctx); err != nil {
		t.Fatal(err)
	}
	env.Runner.polls["d1"] = worker.PollResult{State: worker.PollDeposit, Deposit: &domain.Deposit{
		Status:    "done",
		Artifacts: []string{"src/add.py"},
	}}
	report, err := env.Engine.Tick(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.OK() || report.Criticals == 0 {
		t.Fatalf("expected failing tick, got %+v", report)
	}
	// rejected work answered; it is failed, never dead
	d1, _ := env.Engine.Repo.GetDrop(env.Ctx, "demo", "d1")
	if d1.Status != domain.DropFailed || d1.FailureKind != domain.FailureContent {
		t.Fatalf("expected failed/content, got %s/%s", d1.Status, d1.FailureKind)
	}
	if !d1.NeedsJudgment {
		t.Fatalf("expected needs_judgment flag")
	}
	b, _ := env.Engine.Repo.GetBuild(env.Ctx, "demo")
	if b.Status == domain.BuildComplete {
		t.Fatalf("build must not complete past a rejected deposit")
	}
	recorded, err := env.Engine.Lessons.Tail(10)
	if err != nil || len(recorded) == 0 {
		t.Fatalf("expected a lesson entry, got %v (%v)", recorded, err)
	}
	var found bool
	for _, l := range recorded {
		if l.Category == "deposit_rejected" && l.DropID == "d1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a deposit_rejected lesson, got %+v", recorded)
	}
}

func TestUnresponsiveWorkerAutoRetries(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, twoWavePlan("demo"))
	if _, err := env.Engine.Tick(env.Ctx); err != nil {
		t.Fatal(err)
	}
	env.Runner.polls["d1"] = worker.PollResult{State: worker.PollUnresponsive}
	report, err := env.Engine.Tick(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	var retried bool
	for _, bt := range report.Builds {
		for _, dec := range bt.Decisions {
			if dec.DropID == "d1" && dec.Action == engine.ActionAutoRetry {
				retried = true
			}
		}
	}
	if !retried {
		t.Fatalf("expected auto retry decision, got %+v", report)
	}
	d1, _ := env.Engine.Repo.GetDrop(env.Ctx, "demo", "d1")
	if d1.Status != domain.DropPending || d1.RetryCount != 1 {
		t.Fatalf("expected re-queued drop, got %s retries=%d", d1.Status, d1.RetryCount)
	}
}

func TestExhaustedRetriesBlockBuild(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, domain.Plan{
		Build: "solo",
		Streams: []domain.StreamPlan{{
			Name:  "core",
			Waves: []domain.WavePlan{{Drops: []domain.DropPlan{{ID: "d1"}}}},
		}},
	})
	env.Runner.polls["d1"] = worker.PollResult{State: worker.PollUnresponsive}

	// retries 1 and 2, then the rule table runs out of automatic moves
	var last engine.TickReport
	for i := 0; i < 8; i++ {
		r, err := env.Engine.Tick(env.Ctx)
		if err != nil {
			t.Fatal(err)
		}
		last = r
		b, _ := env.Engine.Repo.GetBuild(env.Ctx, "solo")
		if b.Status == domain.BuildBlocked {
			break
		}
	}
	b, _ := env.Engine.Repo.GetBuild(env.Ctx, "solo")
	if b.Status != domain.BuildBlocked {
		t.Fatalf("expected blocked build, got %s (last report %+v)", b.Status, last)
	}
	if last.Escalations == 0 {
		t.Fatalf("expected escalation in report")
	}
	d1, _ := env.Engine.Repo.GetDrop(env.Ctx, "solo", "d1")
	if d1.RetryCount != env.Engine.Config.Supervisor.MaxRetries {
		t.Fatalf("expected retries exhausted at %d, got %d", env.Engine.Config.Supervisor.MaxRetries, d1.RetryCount)
	}
}

func TestRecoveryPrecedence(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	nowStr := now.UTC().Format(time.RFC3339)
	build := domain.Build{Slug: "b", Status: domain.BuildActive, LastProgressAt: nowStr}

	t.Run("dead with retries left retries", func(t *testing.T) {
		decs := engine.EvaluateRecovery(engine.RecoveryInput{
			Build:      build,
			Drops:      []domain.Drop{{ID: "d", Status: domain.DropDead}},
			Now:        now,
			MaxRetries: 2,
			StaleAfter: 4 * time.Hour,
		})
		if decs[0].Action != engine.ActionAutoRetry {
			t.Fatalf("got %+v", decs)
		}
	})
	t.Run("content failure needs judgment even with retries left", func(t *testing.T) {
		decs := engine.EvaluateRecovery(engine.RecoveryInput{
			Build:      build,
			Drops:      []domain.Drop{{ID: "d", Status: domain.DropFailed, FailureKind: domain.FailureContent}},
			Now:        now,
			MaxRetries: 2,
			StaleAfter: 4 * time.Hour,
		})
		if decs[0].Action != engine.ActionNeedsJudgment {
			t.Fatalf("got %+v", decs)
		}
	})
	t.Run("exhausted dead drop escalates not retries", func(t *testing.T) {
		decs := engine.EvaluateRecovery(engine.RecoveryInput{
			Build:      build,
			Drops:      []domain.Drop{{ID: "d", Status: domain.DropDead, RetryCount: 2}},
			Now:        now,
			MaxRetries: 2,
			StaleAfter: 4 * time.Hour,
		})
		var escalated bool
		for _, d := range decs {
			if d.Action == engine.ActionAutoRetry {
				t.Fatalf("must not retry past the budget: %+v", decs)
			}
			if d.Action == engine.ActionEscalate && d.Block {
				escalated = true
			}
		}
		if !escalated {
			t.Fatalf("expected blocking escalation, got %+v", decs)
		}
	})
	t.Run("abandoned drop never retries", func(t *testing.T) {
		decs := engine.EvaluateRecovery(engine.RecoveryInput{
			Build: build,
			Drops: []domain.Drop{
				{ID: "d", Status: domain.DropDead, Resolution: domain.ResolutionAbandoned},
				{ID: "e", Status: domain.DropRunning},
			},
			Now:        now,
			MaxRetries: 2,
			StaleAfter: 4 * time.Hour,
		})
		for _, d := range decs {
			if d.DropID == "d" && d.Action != engine.ActionNone {
				t.Fatalf("abandoned drop got %+v", d)
			}
		}
	})
	t.Run("stale build escalates without blocking", func(t *testing.T) {
		decs := engine.EvaluateRecovery(engine.RecoveryInput{
			Build:      build,
			Drops:      []domain.Drop{{ID: "d", Status: domain.DropRunning}},
			Now:        now.Add(5 * time.Hour),
			MaxRetries: 2,
			StaleAfter: 4 * time.Hour,
		})
		var stale bool
		for _, d := range decs {
			if d.Action == engine.ActionEscalate && !d.Block {
				stale = true
			}
		}
		if !stale {
			t.Fatalf("expected stale escalation, got %+v", decs)
		}
	})
	t.Run("retry issued this pass suppresses the blocked verdict", func(t *testing.T) {
		decs := engine.EvaluateRecovery(engine.RecoveryInput{
			Build: build,
			Drops: []domain.Drop{
				{ID: "d", Status: domain.DropDead},
				{ID: "e", Status: domain.DropFailed, FailureKind: domain.FailureSpawn, RetryCount: 2},
			},
			Now:        now,
			MaxRetries: 2,
			StaleAfter: 4 * time.Hour,
		})
		for _, d := range decs {
			if d.Action == engine.ActionEscalate {
				t.Fatalf("retry in flight, must not escalate: %+v", decs)
			}
		}
	})
}

func TestTickLeaseExclusion(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, twoWavePlan("demo"))

	lease, err := env.Engine.AcquireTickLease(env.Ctx, "demo")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	rival := env.Engine
	rival.Holder = "rival"
	if _, err := rival.AcquireTickLease(env.Ctx, "demo"); !errors.Is(err, engine.ErrLeaseHeld) {
		t.Fatalf("expected ErrLeaseHeld, got %v", err)
	}
	// expiry self-heals a crashed holder
	env.advance(env.Engine.Config.Supervisor.LeaseTTL.Std() + time.Second)
	stolen, err := rival.AcquireTickLease(env.Ctx, "demo")
	if err != nil {
		t.Fatalf("expected takeover after ttl: %v", err)
	}
	if stolen.Holder != "rival" {
		t.Fatalf("unexpected holder %s", stolen.Holder)
	}
	// the original holder's release is now a no-op, not an error
	if err := env.Engine.ReleaseTickLease(env.Ctx, lease); err != nil {
		t.Fatalf("stale release: %v", err)
	}
	b, _ := env.Engine.Repo.GetBuild(env.Ctx, "demo")
	if b.Lease == nil || b.Lease.Holder != "rival" {
		t.Fatalf("stale release must not clobber the new lease: %+v", b.Lease)
	}
}

func TestResolveWaitsForTickLease(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, twoWavePlan("demo"))
	writeArtifact(t, env.Workspace, "src/stub.py", "def f():\n    raise NotImplementedError\n")
	if _, err := env.Engine.Tick(env.Ctx); err != nil {
		t.Fatal(err)
	}
	env.Runner.polls["d1"] = worker.PollResult{State: worker.PollDeposit, Deposit: &domain.Deposit{
		Status:    "done",
		Artifacts: []string{"src/stub.py"},
	}}
	if _, err := env.Engine.Tick(env.Ctx); err != nil {
		t.Fatal(err)
	}

	// a cycle in flight holds the lease; judgment must queue behind it, not
	// race its stale drop snapshot
	cycle := env.Engine
	cycle.Holder = "in-flight-tick"
	lease, err := cycle.AcquireTickLease(env.Ctx, "demo")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := env.Engine.ResolveDrop(env.Ctx, "demo", "d1", engine.OutcomeAbandon, "", "reviewer"); !errors.Is(err, engine.ErrLeaseHeld) {
		t.Fatalf("expected ErrLeaseHeld, got %v", err)
	}
	d1, _ := env.Engine.Repo.GetDrop(env.Ctx, "demo", "d1")
	if d1.Status != domain.DropFailed || d1.Resolution != "" {
		t.Fatalf("refused resolution must leave the drop untouched: %+v", d1)
	}
	if _, err := env.Engine.SetBuildStatus(env.Ctx, "demo", domain.BuildPaused, "tester"); !errors.Is(err, engine.ErrLeaseHeld) {
		t.Fatalf("expected ErrLeaseHeld for status change, got %v", err)
	}

	if err := cycle.ReleaseTickLease(env.Ctx, lease); err != nil {
		t.Fatalf("release: %v", err)
	}
	d1, err = env.Engine.ResolveDrop(env.Ctx, "demo", "d1", engine.OutcomeAbandon, "", "reviewer")
	if err != nil {
		t.Fatalf("resolve after release: %v", err)
	}
	if d1.Status != domain.DropDead || d1.Resolution != domain.ResolutionAbandoned {
		t.Fatalf("unexpected drop: %+v", d1)
	}
}

func TestSpawnFailureNotCountedAsSpawn(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, domain.Plan{
		Build: "solo",
		Streams: []domain.StreamPlan{{
			Name:  "core",
			Waves: []domain.WavePlan{{Drops: []domain.DropPlan{{ID: "d1"}}}},
		}},
	})
	env.Runner.spawnErr["d1"] = errors.New("pool exhausted")

	report, err := env.Engine.Tick(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Builds) != 1 {
		t.Fatalf("expected one build tick, got %+v", report)
	}
	if got := report.Builds[0].Spawned; got != 0 {
		t.Fatalf("failed attempt reported as %d spawns", got)
	}
	// recovery already re-queued the spawn failure within the same cycle
	d1, _ := env.Engine.Repo.GetDrop(env.Ctx, "solo", "d1")
	if d1.Status != domain.DropPending || d1.RetryCount != 1 {
		t.Fatalf("expected re-queued drop, got %s retries=%d", d1.Status, d1.RetryCount)
	}
}

func TestSpawnCircuitBreaker(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, twoWavePlan("demo"))
	b, _ := env.Engine.Repo.GetBuild(env.Ctx, "demo")

	threshold := env.Engine.Config.Circuit.FailureThreshold
	for i := 0; i < threshold; i++ {
		if err := env.Engine.RecordSpawnFailure(env.Ctx, &b, fmt.Sprintf("boom %d", i)); err != nil {
			t.Fatal(err)
		}
	}
	allowed, err := env.Engine.AllowSpawn(env.Ctx, &b)
	if err != nil {
		t.Fatal(err)
	}
	if allowed {
		t.Fatalf("circuit should be open after %d failures", threshold)
	}
	// cooldown elapses, circuit closes on the next check
	env.advance(env.Engine.Config.Circuit.CoolDown.Std() + time.Second)
	allowed, err = env.Engine.AllowSpawn(env.Ctx, &b)
	if err != nil {
		t.Fatal(err)
	}
	if !allowed {
		t.Fatalf("circuit should close after cooldown")
	}
	if err := env.Engine.RecordSpawnSuccess(env.Ctx, &b); err != nil {
		t.Fatal(err)
	}
	if b.Circuit.Failures != 0 {
		t.Fatalf("success should reset the window, got %d", b.Circuit.Failures)
	}
}

func TestCircuitOpenSkipsSpawning(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, twoWavePlan("demo"))
	env.Runner.spawnErr["d1"] = errors.New("pool exhausted")
	env.Runner.spawnErr["d2"] = errors.New("pool exhausted")

	for i := 0; i < 3; i++ {
		if _, err := env.Engine.Tick(env.Ctx); err != nil {
			t.Fatal(err)
		}
	}
	b, _ := env.Engine.Repo.GetBuild(env.Ctx, "demo")
	if !b.Circuit.Open {
		t.Fatalf("expected open circuit, got %+v", b.Circuit)
	}
	if b.Circuit.OpenReason == "" {
		t.Fatalf("open circuit must carry a reason")
	}
	d1, _ := env.Engine.Repo.GetDrop(env.Ctx, "demo", "d1")
	if d1.RetryCount == 0 {
		t.Fatalf("spawn failures should have burned retries, got %+v", d1)
	}
}

func TestResolveDropOutcomes(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, domain.Plan{
		Build: "solo",
		Streams: []domain.StreamPlan{{
			Name:  "core",
			Waves: []domain.WavePlan{{Drops: []domain.DropPlan{{ID: "d1"}}}},
		}},
	})
	writeArtifact(t, env.Workspace, "src/stub.py", "def f():\n    raise NotImplementedError\n")
	if _, err := env.Engine.Tick(env.Ctx); err != nil {
		t.Fatal(err)
	}
	env.Runner.polls["d1"] = worker.PollResult{State: worker.PollDeposit, Deposit: &domain.Deposit{
		Status:    "done",
		Artifacts: []string{"src/stub.py"},
	}}
	if _, err := env.Engine.Tick(env.Ctx); err != nil {
		t.Fatal(err)
	}

	d, err := env.Engine.ResolveDrop(env.Ctx, "solo", "d1", engine.OutcomeRetry, "flaky gate", "reviewer")
	if err != nil {
		t.Fatalf("resolve retry: %v", err)
	}
	if d.Status != domain.DropPending || d.RetryCount != 1 || d.Resolution != domain.ResolutionRetried {
		t.Fatalf("unexpected drop after retry: %+v", d)
	}

	// second rejection, reviewer accepts the work as-is
	delete(env.Runner.polls, "d1")
	if _, err := env.Engine.Tick(env.Ctx); err != nil {
		t.Fatal(err)
	}
	env.Runner.polls["d1"] = worker.PollResult{State: worker.PollDeposit, Deposit: &domain.Deposit{
		Status:    "done",
		Artifacts: []string{"src/stub.py"},
	}}
	if _, err := env.Engine.Tick(env.Ctx); err != nil {
		t.Fatal(err)
	}
	d, err = env.Engine.ResolveDrop(env.Ctx, "solo", "d1", engine.OutcomeAccept, "known stub, tracked elsewhere", "reviewer")
	if err != nil {
		t.Fatalf("resolve accept: %v", err)
	}
	if d.Status != domain.DropComplete || d.Resolution != domain.ResolutionAccepted {
		t.Fatalf("unexpected drop after accept: %+v", d)
	}
	b, _ := env.Engine.Repo.GetBuild(env.Ctx, "solo")
	if b.Status != domain.BuildComplete {
		t.Fatalf("accepting the only drop should complete the build, got %s", b.Status)
	}
	if b.ArchivedAt == nil {
		t.Fatalf("completed build should be archived")
	}
}

func TestResolveAbandonIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, twoWavePlan("demo"))
	writeArtifact(t, env.Workspace, "src/stub.py", "def f():\n    raise NotImplementedError\n")
	if _, err := env.Engine.Tick(env.Ctx); err != nil {
		t.Fatal(err)
	}
	env.Runner.polls["d1"] = worker.PollResult{State: worker.PollDeposit, Deposit: &domain.Deposit{
		Status:    "done",
		Artifacts: []string{"src/stub.py"},
	}}
	if _, err := env.Engine.Tick(env.Ctx); err != nil {
		t.Fatal(err)
	}
	d, err := env.Engine.ResolveDrop(env.Ctx, "demo", "d1", engine.OutcomeAbandon, "", "reviewer")
	if err != nil {
		t.Fatalf("abandon: %v", err)
	}
	if d.Status != domain.DropDead || d.Resolution != domain.ResolutionAbandoned {
		t.Fatalf("unexpected drop: %+v", d)
	}
	if _, err := env.Engine.ResolveDrop(env.Ctx, "demo", "d1", engine.OutcomeRetry, "", "reviewer"); err == nil {
		t.Fatalf("abandoned drop must stay abandoned")
	}
}

func TestBuildCompletesWhenAllDropsComplete(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, twoWavePlan("demo"))
	writeArtifact(t, env.Workspace, "src/ok.go", "package src\n\nfunc Add(a, b int) int {\n\treturn a + b\n}\n")
	deposit := func() worker.PollResult {
		return worker.PollResult{State: worker.PollDeposit, Deposit: &domain.Deposit{
			Status:    "done",
			Artifacts: []string{"src/ok.go"},
		}}
	}

	if _, err := env.Engine.Tick(env.Ctx); err != nil { // spawn wave 1
		t.Fatal(err)
	}
	env.Runner.polls["d1"] = deposit()
	env.Runner.polls["d2"] = deposit()
	if _, err := env.Engine.Tick(env.Ctx); err != nil { // consume wave 1, spawn wave 2
		t.Fatal(err)
	}
	env.Runner.polls["d3"] = deposit()
	report, err := env.Engine.Tick(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !report.OK() {
		t.Fatalf("expected clean final tick, got %+v", report)
	}
	b, _ := env.Engine.Repo.GetBuild(env.Ctx, "demo")
	if b.Status != domain.BuildComplete || b.ArchivedAt == nil {
		t.Fatalf("expected archived complete build, got %s archived=%v", b.Status, b.ArchivedAt)
	}
}

func TestBuildTransitions(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, twoWavePlan("demo"))

	b, err := env.Engine.SetBuildStatus(env.Ctx, "demo", domain.BuildPaused, "tester")
	if err != nil || b.Status != domain.BuildPaused {
		t.Fatalf("pause: %v %s", err, b.Status)
	}
	b, err = env.Engine.SetBuildStatus(env.Ctx, "demo", domain.BuildActive, "tester")
	if err != nil || b.Status != domain.BuildActive {
		t.Fatalf("resume: %v %s", err, b.Status)
	}
	if _, err := env.Engine.SetBuildStatus(env.Ctx, "demo", domain.BuildComplete, "tester"); err == nil {
		t.Fatalf("complete is computed, not assigned")
	}
	b, err = env.Engine.SetBuildStatus(env.Ctx, "demo", domain.BuildFailed, "tester")
	if err != nil || b.Status != domain.BuildFailed || b.ArchivedAt == nil {
		t.Fatalf("fail: %v %+v", err, b)
	}
	if _, err := env.Engine.SetBuildStatus(env.Ctx, "demo", domain.BuildActive, "tester"); err == nil {
		t.Fatalf("terminal status must not reopen")
	}
}

func TestPausedBuildsAreNotTicked(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, twoWavePlan("demo"))
	if _, err := env.Engine.SetBuildStatus(env.Ctx, "demo", domain.BuildPaused, "tester"); err != nil {
		t.Fatal(err)
	}
	report, err := env.Engine.Tick(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Builds) != 0 || len(env.Runner.spawned) != 0 {
		t.Fatalf("paused build must be skipped, got %+v", report)
	}
}

func TestEventsRecordedAcrossLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, twoWavePlan("demo"))
	if _, err := env.Engine.Tick(env.Ctx); err != nil {
		t.Fatal(err)
	}
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 50, "demo", "", "", "")
	if err != nil {
		t.Fatal(err)
	}
	seen := map[string]bool{}
	for _, e := range evts {
		seen[e.Type] = true
	}
	for _, want := range []string{"build.created", "drop.spawned"} {
		if !seen[want] {
			t.Fatalf("missing %s event in %v", want, seen)
		}
	}
}
