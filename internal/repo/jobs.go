package repo

import (
	"context"
	"database/sql"
	"strings"

	"frameline/internal/domain"
)

const jobColumns = `id,project_id,stage,state,progress,message,remote_id,result_json,error,created_at,updated_at`

func scanJob(row rowScanner) (domain.Job, error) {
	var j domain.Job
	var result sql.NullString
	err := row.Scan(&j.ID, &j.ProjectID, &j.Stage, &j.State, &j.Progress, &j.Message, &j.RemoteID, &result, &j.Error, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	if result.Valid {
		j.Result = &result.String
	}
	return j, nil
}

func (r Repo) InsertJob(ctx context.Context, tx *sql.Tx, j domain.Job) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO jobs(`+jobColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.ProjectID, j.Stage, j.State, j.Progress, j.Message, j.RemoteID, nullableStringPtr(j.Result), j.Error, j.CreatedAt, j.UpdatedAt)
	return err
}

func (r Repo) UpdateJob(ctx context.Context, tx *sql.Tx, j domain.Job) error {
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET state=?, progress=?, message=?, remote_id=?, result_json=?, error=?, updated_at=? WHERE id=?`,
		j.State, j.Progress, j.Message, j.RemoteID, nullableStringPtr(j.Result), j.Error, j.UpdatedAt, j.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetJob(ctx context.Context, id string) (domain.Job, error) {
	return scanJob(r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id))
}

func (r Repo) GetJobTx(ctx context.Context, tx *sql.Tx, id string) (domain.Job, error) {
	return scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id))
}

// PendingJob returns the pending job for a (project, stage) pair, or
// ErrNotFound. The partial unique index guarantees at most one row.
func (r Repo) PendingJob(ctx context.Context, tx *sql.Tx, projectID, stage string) (domain.Job, error) {
	return scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE project_id=? AND stage=? AND state='pending'`, projectID, stage))
}

// AnyPendingJob returns any pending job for a project regardless of
// stage, or ErrNotFound.
func (r Repo) AnyPendingJob(ctx context.Context, tx *sql.Tx, projectID string) (domain.Job, error) {
	return scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE project_id=? AND state='pending' ORDER BY created_at DESC, id DESC LIMIT 1`, projectID))
}

type JobFilters struct {
	ProjectID string
	Stage     string
	State     string
	Limit     int
}

func (r Repo) ListJobs(ctx context.Context, f JobFilters) ([]domain.Job, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Stage != "" {
		clauses = append(clauses, "stage=?")
		args = append(args, f.Stage)
	}
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + jobColumns + ` FROM jobs ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}
