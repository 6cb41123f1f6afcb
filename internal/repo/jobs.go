package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"bidline/internal/domain"
)

const jobColumns = `id,owner_id,COALESCE(service_id,''),COALESCE(category_id,''),COALESCE(address_id,''),price,state,visibility,answers_json,COALESCE(cancel_reason,''),COALESCE(cancel_description,''),created_at,updated_at`

func scanJob(row scanner) (domain.Job, error) {
	var j domain.Job
	var answers sql.NullString
	err := row.Scan(&j.ID, &j.OwnerID, &j.ServiceID, &j.CategoryID, &j.AddressID, &j.Price, &j.State, &j.Visibility,
		&answers, &j.CancelReason, &j.CancelDescription, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	if answers.Valid && answers.String != "" {
		if err := json.Unmarshal([]byte(answers.String), &j.Answers); err != nil {
			return j, fmt.Errorf("decode answers for job %s: %w", j.ID, err)
		}
	}
	return j, nil
}

func (r Repo) InsertJob(ctx context.Context, tx *sql.Tx, j domain.Job) error {
	var answers any
	if len(j.Answers) > 0 {
		data, err := json.Marshal(j.Answers)
		if err != nil {
			return err
		}
		answers = string(data)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO jobs(id,owner_id,service_id,category_id,address_id,price,state,visibility,answers_json,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.OwnerID, nullable(j.ServiceID), nullable(j.CategoryID), nullable(j.AddressID), j.Price, j.State, j.Visibility, answers, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return err
	}
	for _, p := range j.AllowedProviders {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO job_invites(job_id,provider_id) VALUES (?,?)`, j.ID, p); err != nil {
			return err
		}
	}
	return nil
}

// GetJob loads a job with its allow-list. q may be nil to read outside a transaction.
func (r Repo) GetJob(ctx context.Context, q Querier, id string) (domain.Job, error) {
	q = r.q(q)
	j, err := scanJob(q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id))
	if err != nil {
		return j, err
	}
	if j.Visibility == domain.VisibilityPrivate {
		j.AllowedProviders, err = r.jobInvites(ctx, q, id)
	}
	return j, err
}

func (r Repo) jobInvites(ctx context.Context, q Querier, jobID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT provider_id FROM job_invites WHERE job_id=? ORDER BY provider_id`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

type JobFilters struct {
	OwnerID string
	State   string
	Limit   int
}

func (r Repo) ListJobs(ctx context.Context, f JobFilters) ([]domain.Job, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.OwnerID != "" {
		clauses = append(clauses, "owner_id=?")
		args = append(args, f.OwnerID)
	}
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
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

// TransitionJob moves a job from one state to another. It returns ErrStale when
// the job is no longer in the expected state.
func (r Repo) TransitionJob(ctx context.Context, tx *sql.Tx, id string, from, to domain.JobState, updatedAt string) error {
	return affectedOrStale(tx.ExecContext(ctx, `UPDATE jobs SET state=?, updated_at=? WHERE id=? AND state=?`, to, updatedAt, id, from))
}

func (r Repo) CloseJob(ctx context.Context, tx *sql.Tx, id, reason, description, updatedAt string) error {
	return affectedOrStale(tx.ExecContext(ctx, `UPDATE jobs SET state='closed', cancel_reason=?, cancel_description=?, updated_at=? WHERE id=? AND state='open'`,
		reason, nullable(description), updatedAt, id))
}
