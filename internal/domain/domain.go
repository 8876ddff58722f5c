package domain

// Build statuses.
const (
	BuildActive   = "active"
	BuildPaused   = "paused"
	BuildBlocked  = "blocked"
	BuildComplete = "complete"
	BuildFailed   = "failed"
)

// Drop statuses.
const (
	DropPending  = "pending"
	DropRunning  = "running"
	DropComplete = "complete"
	DropFailed   = "failed"
	DropDead     = "dead"
)

// Failure kinds recorded on a failed drop. Spawn failures are infrastructure
// errors and stay retryable; content failures come from the deposit gate and
// require judgment.
const (
	FailureSpawn   = "spawn"
	FailureContent = "content"
)

// Resolution outcomes a reviewer may apply to a drop flagged for judgment.
const (
	ResolutionRetried   = "retried"
	ResolutionAccepted  = "accepted"
	ResolutionAbandoned = "abandoned"
)

type Build struct {
	Slug           string       `json:"slug"`
	Status         string       `json:"status" enum:"active,paused,blocked,complete,failed"`
	CreatedAt      string       `json:"created_at" format:"date-time"`
	UpdatedAt      string       `json:"updated_at" format:"date-time"`
	ArchivedAt     *string      `json:"archived_at,omitempty" format:"date-time"`
	LastProgressAt string       `json:"last_progress_at" format:"date-time"`
	Lease          *TickLease   `json:"lease,omitempty"`
	Circuit        SpawnCircuit `json:"circuit"`
}

type Drop struct {
	BuildSlug      string   `json:"build_slug"`
	ID             string   `json:"id"`
	Stream         string   `json:"stream"`
	Wave           int      `json:"wave"`
	Title          string   `json:"title,omitempty"`
	Status         string   `json:"status" enum:"pending,running,complete,failed,dead"`
	RetryCount     int      `json:"retry_count"`
	FailureKind    string   `json:"failure_kind,omitempty"`
	Resolution     string   `json:"resolution,omitempty"`
	NeedsJudgment  bool     `json:"needs_judgment"`
	StartedAt      *string  `json:"started_at,omitempty" format:"date-time"`
	ConversationID *string  `json:"conversation_id,omitempty"`
	DependsOn      []string `json:"depends_on,omitempty"`
	UpdatedAt      string   `json:"updated_at" format:"date-time"`
}

// Deposit is a worker's one-shot claim for a drop. Immutable once written;
// validation results attach alongside, never overwrite.
type Deposit struct {
	ID        string   `json:"id"`
	BuildSlug string   `json:"build_slug"`
	DropID    string   `json:"drop_id"`
	Status    string   `json:"status"`
	Summary   string   `json:"summary,omitempty"`
	Artifacts []string `json:"artifacts"`
	CreatedAt string   `json:"created_at" format:"date-time"`
}

// Issue is a single line-level finding from the deposit gate.
type Issue struct {
	Message string `json:"message"`
	Line    int    `json:"line"`
	Excerpt string `json:"excerpt"`
}

// FileIssues groups findings for one artifact path.
type FileIssues struct {
	Critical []Issue `json:"critical,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// ValidationReport is produced fresh on every gate evaluation.
// Passed is derived: critical_count == 0.
type ValidationReport struct {
	ID            string                `json:"id"`
	DepositID     string                `json:"deposit_id,omitempty"`
	BuildSlug     string                `json:"build_slug,omitempty"`
	DropID        string                `json:"drop_id,omitempty"`
	Timestamp     string                `json:"timestamp" format:"date-time"`
	FilesChecked  int                   `json:"files_checked"`
	CriticalCount int                   `json:"critical_count"`
	WarningCount  int                   `json:"warning_count"`
	Issues        map[string]FileIssues `json:"issues,omitempty"`
	Passed        bool                  `json:"passed"`
}

type TickLease struct {
	BuildSlug  string `json:"build_slug"`
	Holder     string `json:"holder"`
	AcquiredAt string `json:"acquired_at" format:"date-time"`
	ExpiresAt  string `json:"expires_at" format:"date-time"`
}

type SpawnCircuit struct {
	Open        bool   `json:"open"`
	OpenUntil   string `json:"open_until,omitempty" format:"date-time"`
	OpenReason  string `json:"open_reason,omitempty"`
	Failures    int    `json:"failures"`
	WindowStart string `json:"window_start,omitempty" format:"date-time"`
}

// Lesson is one record in the append-only learnings log.
type Lesson struct {
	Timestamp  string `json:"timestamp" format:"date-time"`
	BuildSlug  string `json:"build_slug"`
	DropID     string `json:"drop_id,omitempty"`
	Category   string `json:"category"`
	Severity   string `json:"severity"`
	Summary    string `json:"summary"`
	Details    string `json:"details,omitempty"`
	Resolution string `json:"resolution,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	BuildSlug  string `json:"build_slug,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Plan is the brief consumed once at build creation.
type Plan struct {
	Build   string       `yaml:"build" json:"build"`
	Streams []StreamPlan `yaml:"streams" json:"streams"`
}

type StreamPlan struct {
	Name  string     `yaml:"name" json:"name"`
	Waves []WavePlan `yaml:"waves" json:"waves"`
}

type WavePlan struct {
	Drops []DropPlan `yaml:"drops" json:"drops"`
}

type DropPlan struct {
	ID        string   `yaml:"id" json:"id"`
	Title     string   `yaml:"title,omitempty" json:"title,omitempty"`
	DependsOn []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
}
