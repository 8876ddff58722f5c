package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"foreman/internal/domain"
)

// InsertDepositTx records a worker's claim. Deposits are append-only; there
// is no update path.
func (r Repo) InsertDepositTx(ctx context.Context, tx *sql.Tx, dep domain.Deposit) error {
	artifacts, err := json.Marshal(dep.Artifacts)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO deposits(id,build_slug,drop_id,status,summary,artifacts_json,created_at) VALUES (?,?,?,?,?,?,?)`,
		dep.ID, dep.BuildSlug, dep.DropID, dep.Status, nullable(dep.Summary), string(artifacts), dep.CreatedAt)
	return err
}

func (r Repo) ListDeposits(ctx context.Context, buildSlug, dropID string) ([]domain.Deposit, error) {
	query := `SELECT id,build_slug,drop_id,status,COALESCE(summary,''),artifacts_json,created_at FROM deposits WHERE build_slug=?`
	args := []any{buildSlug}
	if dropID != "" {
		query += ` AND drop_id=?`
		args = append(args, dropID)
	}
	query += ` ORDER BY created_at, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Deposit
	for rows.Next() {
		var dep domain.Deposit
		var artifacts string
		if err := rows.Scan(&dep.ID, &dep.BuildSlug, &dep.DropID, &dep.Status, &dep.Summary, &artifacts, &dep.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(artifacts), &dep.Artifacts); err != nil {
			return nil, err
		}
		res = append(res, dep)
	}
	return res, rows.Err()
}

// InsertValidationReportTx attaches a fresh report next to its deposit.
// Re-validation inserts a new row; reports are never mutated.
func (r Repo) InsertValidationReportTx(ctx context.Context, tx *sql.Tx, rep domain.ValidationReport) error {
	issues, err := json.Marshal(rep.Issues)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO validation_reports(id,deposit_id,build_slug,drop_id,ts,files_checked,critical_count,warning_count,issues_json,passed)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		rep.ID, rep.DepositID, rep.BuildSlug, rep.DropID, rep.Timestamp,
		rep.FilesChecked, rep.CriticalCount, rep.WarningCount, string(issues), boolInt(rep.Passed))
	return err
}

func (r Repo) ListValidationReports(ctx context.Context, buildSlug, dropID string) ([]domain.ValidationReport, error) {
	query := `SELECT id,deposit_id,build_slug,drop_id,ts,files_checked,critical_count,warning_count,issues_json,passed FROM validation_reports WHERE build_slug=?`
	args := []any{buildSlug}
	if dropID != "" {
		query += ` AND drop_id=?`
		args = append(args, dropID)
	}
	query += ` ORDER BY ts, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ValidationReport
	for rows.Next() {
		var rep domain.ValidationReport
		var issues string
		var passed int
		if err := rows.Scan(&rep.ID, &rep.DepositID, &rep.BuildSlug, &rep.DropID, &rep.Timestamp,
			&rep.FilesChecked, &rep.CriticalCount, &rep.WarningCount, &issues, &passed); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(issues), &rep.Issues); err != nil {
			return nil, err
		}
		rep.Passed = passed != 0
		res = append(res, rep)
	}
	return res, rows.Err()
}
