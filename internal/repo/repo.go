package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"foreman/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const buildColumns = `slug,status,created_at,updated_at,archived_at,last_progress_at,
lease_holder,lease_acquired_at,lease_expires_at,
circuit_open,COALESCE(circuit_open_until,''),COALESCE(circuit_open_reason,''),circuit_failures,COALESCE(circuit_window_start,'')`

func scanBuild(scan func(dest ...any) error) (domain.Build, error) {
	var b domain.Build
	var archived, holder, acquired, expires sql.NullString
	var open int
	err := scan(&b.Slug, &b.Status, &b.CreatedAt, &b.UpdatedAt, &archived, &b.LastProgressAt,
		&holder, &acquired, &expires,
		&open, &b.Circuit.OpenUntil, &b.Circuit.OpenReason, &b.Circuit.Failures, &b.Circuit.WindowStart)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if err != nil {
		return b, err
	}
	if archived.Valid {
		b.ArchivedAt = &archived.String
	}
	b.Circuit.Open = open != 0
	if holder.Valid && holder.String != "" {
		b.Lease = &domain.TickLease{
			BuildSlug:  b.Slug,
			Holder:     holder.String,
			AcquiredAt: acquired.String,
			ExpiresAt:  expires.String,
		}
	}
	return b, nil
}

func (r Repo) InsertBuildTx(ctx context.Context, tx *sql.Tx, b domain.Build) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO builds(slug,status,created_at,updated_at,last_progress_at) VALUES (?,?,?,?,?)`,
		b.Slug, b.Status, b.CreatedAt, b.UpdatedAt, b.LastProgressAt)
	return err
}

func (r Repo) GetBuild(ctx context.Context, slug string) (domain.Build, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+buildColumns+` FROM builds WHERE slug=?`, slug)
	return scanBuild(row.Scan)
}

func (r Repo) ListBuilds(ctx context.Context, status string) ([]domain.Build, error) {
	query := `SELECT ` + buildColumns + ` FROM builds`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Build
	for rows.Next() {
		b, err := scanBuild(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

func (r Repo) SetBuildStatusTx(ctx context.Context, tx *sql.Tx, slug, status, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE builds SET status=?, updated_at=? WHERE slug=?`, status, now, slug)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ArchiveBuildTx(ctx context.Context, tx *sql.Tx, slug, now string) error {
	_, err := tx.ExecContext(ctx, `UPDATE builds SET archived_at=?, updated_at=? WHERE slug=? AND archived_at IS NULL`, now, now, slug)
	return err
}

func (r Repo) TouchBuildProgressTx(ctx context.Context, tx *sql.Tx, slug, now string) error {
	_, err := tx.ExecContext(ctx, `UPDATE builds SET last_progress_at=?, updated_at=? WHERE slug=?`, now, now, slug)
	return err
}

// AcquireLease writes a new tick lease iff none is held or the held one has
// expired. Returns false when the build is busy.
func (r Repo) AcquireLease(ctx context.Context, slug, holder string, now time.Time, ttl time.Duration) (domain.TickLease, bool, error) {
	nowStr := now.UTC().Format(time.RFC3339)
	lease := domain.TickLease{
		BuildSlug:  slug,
		Holder:     holder,
		AcquiredAt: nowStr,
		ExpiresAt:  now.UTC().Add(ttl).Format(time.RFC3339),
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE builds SET lease_holder=?, lease_acquired_at=?, lease_expires_at=?
WHERE slug=? AND (lease_holder IS NULL OR lease_expires_at <= ?)`,
		lease.Holder, lease.AcquiredAt, lease.ExpiresAt, slug, nowStr)
	if err != nil {
		return domain.TickLease{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.TickLease{}, false, err
	}
	if n == 0 {
		if _, err := r.GetBuild(ctx, slug); err != nil {
			return domain.TickLease{}, false, err
		}
		return domain.TickLease{}, false, nil
	}
	return lease, true, nil
}

// ReleaseLease clears the lease only if the caller is still the holder.
func (r Repo) ReleaseLease(ctx context.Context, slug, holder string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE builds SET lease_holder=NULL, lease_acquired_at=NULL, lease_expires_at=NULL
WHERE slug=? AND lease_holder=?`, slug, holder)
	return err
}

func (r Repo) UpdateCircuit(ctx context.Context, slug string, c domain.SpawnCircuit) error {
	open := 0
	if c.Open {
		open = 1
	}
	_, err := r.DB.ExecContext(ctx, `UPDATE builds SET circuit_open=?, circuit_open_until=?, circuit_open_reason=?, circuit_failures=?, circuit_window_start=? WHERE slug=?`,
		open, nullable(c.OpenUntil), nullable(c.OpenReason), c.Failures, nullable(c.WindowStart), slug)
	return err
}

func (r Repo) InsertDropTx(ctx context.Context, tx *sql.Tx, d domain.Drop) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO drops(build_slug,id,stream,wave,title,status,retry_count,failure_kind,resolution,needs_judgment,started_at,conversation_id,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.BuildSlug, d.ID, d.Stream, d.Wave, nullable(d.Title), d.Status, d.RetryCount, d.FailureKind, d.Resolution,
		boolInt(d.NeedsJudgment), nullableStringPtr(d.StartedAt), nullableStringPtr(d.ConversationID), d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert drop %s: %w", d.ID, err)
	}
	for _, dep := range d.DependsOn {
		if _, err := tx.ExecContext(ctx, `INSERT INTO drop_deps(build_slug,drop_id,depends_on) VALUES (?,?,?)`, d.BuildSlug, d.ID, dep); err != nil {
			return fmt.Errorf("insert dep %s -> %s: %w", d.ID, dep, err)
		}
	}
	return nil
}

const dropColumns = `build_slug,id,stream,wave,COALESCE(title,''),status,retry_count,failure_kind,resolution,needs_judgment,started_at,conversation_id,updated_at`

func scanDrop(scan func(dest ...any) error) (domain.Drop, error) {
	var d domain.Drop
	var started, conv sql.NullString
	var judgment int
	err := scan(&d.BuildSlug, &d.ID, &d.Stream, &d.Wave, &d.Title, &d.Status, &d.RetryCount,
		&d.FailureKind, &d.Resolution, &judgment, &started, &conv, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.NeedsJudgment = judgment != 0
	if started.Valid {
		d.StartedAt = &started.String
	}
	if conv.Valid {
		d.ConversationID = &conv.String
	}
	return d, nil
}

func (r Repo) GetDrop(ctx context.Context, buildSlug, id string) (domain.Drop, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+dropColumns+` FROM drops WHERE build_slug=? AND id=?`, buildSlug, id)
	d, err := scanDrop(row.Scan)
	if err != nil {
		return d, err
	}
	d.DependsOn, err = r.ListDropDeps(ctx, buildSlug, id)
	return d, err
}

// ListDrops returns every drop of a build with depends_on populated, ordered
// by stream, wave, then id so ticks process them deterministically.
func (r Repo) ListDrops(ctx context.Context, buildSlug string) ([]domain.Drop, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+dropColumns+` FROM drops WHERE build_slug=? ORDER BY stream, wave, id`, buildSlug)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Drop
	for rows.Next() {
		d, err := scanDrop(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	deps, err := r.listAllDeps(ctx, buildSlug)
	if err != nil {
		return nil, err
	}
	for i := range res {
		res[i].DependsOn = deps[res[i].ID]
	}
	return res, nil
}

func (r Repo) ListDropDeps(ctx context.Context, buildSlug, dropID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT depends_on FROM drop_deps WHERE build_slug=? AND drop_id=? ORDER BY depends_on`, buildSlug, dropID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deps []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

func (r Repo) listAllDeps(ctx context.Context, buildSlug string) (map[string][]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT drop_id, depends_on FROM drop_deps WHERE build_slug=? ORDER BY drop_id, depends_on`, buildSlug)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	deps := map[string][]string{}
	for rows.Next() {
		var id, dep string
		if err := rows.Scan(&id, &dep); err != nil {
			return nil, err
		}
		deps[id] = append(deps[id], dep)
	}
	return deps, rows.Err()
}

func (r Repo) UpdateDropTx(ctx context.Context, tx *sql.Tx, d domain.Drop) error {
	res, err := tx.ExecContext(ctx, `UPDATE drops SET status=?, retry_count=?, failure_kind=?, resolution=?, needs_judgment=?, started_at=?, conversation_id=?, updated_at=?
WHERE build_slug=? AND id=?`,
		d.Status, d.RetryCount, d.FailureKind, d.Resolution, boolInt(d.NeedsJudgment),
		nullableStringPtr(d.StartedAt), nullableStringPtr(d.ConversationID), d.UpdatedAt,
		d.BuildSlug, d.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) CountDropsByStatus(ctx context.Context, buildSlug string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM drops WHERE build_slug=? GROUP BY status`, buildSlug)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var c int
		if err := rows.Scan(&status, &c); err != nil {
			return nil, err
		}
		counts[status] = c
	}
	return counts, rows.Err()
}

func (r Repo) LatestEvents(ctx context.Context, n int, buildSlug, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if buildSlug != "" {
		clauses = append(clauses, "build_slug=?")
		args = append(args, buildSlug)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if n <= 0 {
		n = 20
	}
	args = append(args, n)
	query := `SELECT id,ts,type,COALESCE(build_slug,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id DESC LIMIT ?`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.BuildSlug, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
