package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"frameline/internal/domain"
)

func (r Repo) UpsertArtifact(ctx context.Context, tx *sql.Tx, a domain.Artifact) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO artifacts(project_id,format,path,mime,size_bytes,created_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(project_id,format) DO UPDATE SET path=excluded.path, mime=excluded.mime, size_bytes=excluded.size_bytes, created_at=excluded.created_at`,
		a.ProjectID, a.Format, a.Path, a.MIME, a.SizeBytes, a.CreatedAt)
	return err
}

func (r Repo) GetArtifact(ctx context.Context, projectID, format string) (domain.Artifact, error) {
	var a domain.Artifact
	err := r.DB.QueryRowContext(ctx, `SELECT project_id,format,path,mime,size_bytes,created_at FROM artifacts WHERE project_id=? AND format=?`, projectID, format).
		Scan(&a.ProjectID, &a.Format, &a.Path, &a.MIME, &a.SizeBytes, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) ListArtifacts(ctx context.Context, projectID string) ([]domain.Artifact, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT project_id,format,path,mime,size_bytes,created_at FROM artifacts WHERE project_id=? ORDER BY format`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Artifact
	for rows.Next() {
		var a domain.Artifact
		if err := rows.Scan(&a.ProjectID, &a.Format, &a.Path, &a.MIME, &a.SizeBytes, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// DeleteArtifacts removes artifact rows for a project inside the
// caller's transaction. Files on disk are the store's problem.
func (r Repo) DeleteArtifacts(ctx context.Context, tx *sql.Tx, projectID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM artifacts WHERE project_id=?`, projectID)
	return err
}

func (r Repo) UpsertDatasetCard(ctx context.Context, tx *sql.Tx, projectID, cardJSON, model, createdAt string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO dataset_cards(project_id,card_json,model,created_at) VALUES (?,?,?,?)
ON CONFLICT(project_id) DO UPDATE SET card_json=excluded.card_json, model=excluded.model, created_at=excluded.created_at`,
		projectID, cardJSON, model, createdAt)
	return err
}

func (r Repo) GetDatasetCard(ctx context.Context, projectID string) (domain.DatasetCard, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT card_json FROM dataset_cards WHERE project_id=?`, projectID).Scan(&payload)
	if err == sql.ErrNoRows {
		return domain.DatasetCard{}, ErrNotFound
	}
	if err != nil {
		return domain.DatasetCard{}, err
	}
	var card domain.DatasetCard
	if err := json.Unmarshal([]byte(payload), &card); err != nil {
		return domain.DatasetCard{}, err
	}
	return card, nil
}
