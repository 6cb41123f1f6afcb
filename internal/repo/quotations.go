package repo

import (
	"context"
	"database/sql"

	"bidline/internal/domain"
)

const quotationColumns = `id,job_id,provider_id,amount,COALESCE(work_date,''),COALESCE(note,''),status,read_by_client,COALESCE(reject_reason,''),created_at,updated_at`

func scanQuotation(row scanner) (domain.Quotation, error) {
	var q domain.Quotation
	var read int
	err := row.Scan(&q.ID, &q.JobID, &q.ProviderID, &q.Amount, &q.WorkDate, &q.Note, &q.Status, &read, &q.RejectReason, &q.CreatedAt, &q.UpdatedAt)
	if err == sql.ErrNoRows {
		return q, ErrNotFound
	}
	q.ReadByClient = read == 1
	return q, err
}

func scanQuotations(rows *sql.Rows) ([]domain.Quotation, error) {
	defer rows.Close()
	var res []domain.Quotation
	for rows.Next() {
		q, err := scanQuotation(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, q)
	}
	return res, rows.Err()
}

func (r Repo) InsertQuotation(ctx context.Context, tx *sql.Tx, q domain.Quotation) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO quotations(id,job_id,provider_id,amount,work_date,note,status,read_by_client,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		q.ID, q.JobID, q.ProviderID, q.Amount, nullable(q.WorkDate), nullable(q.Note), q.Status, boolInt(q.ReadByClient), q.CreatedAt, q.UpdatedAt)
	return err
}

func (r Repo) GetQuotation(ctx context.Context, q Querier, id string) (domain.Quotation, error) {
	return scanQuotation(r.q(q).QueryRowContext(ctx, `SELECT `+quotationColumns+` FROM quotations WHERE id=?`, id))
}

func (r Repo) ListQuotations(ctx context.Context, jobID string) ([]domain.Quotation, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+quotationColumns+` FROM quotations WHERE job_id=? ORDER BY created_at DESC, id DESC`, jobID)
	if err != nil {
		return nil, err
	}
	return scanQuotations(rows)
}

// LatestQuotations returns the most recent quotation of every provider on the job.
func (r Repo) LatestQuotations(ctx context.Context, jobID string) ([]domain.Quotation, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+quotationColumns+` FROM (
  SELECT *, ROW_NUMBER() OVER (PARTITION BY provider_id ORDER BY created_at DESC, id DESC) AS rn
  FROM quotations WHERE job_id=?
) WHERE rn=1 ORDER BY created_at DESC, id DESC`, jobID)
	if err != nil {
		return nil, err
	}
	return scanQuotations(rows)
}

func (r Repo) HasPendingQuotation(ctx context.Context, tx *sql.Tx, jobID, providerID string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM quotations WHERE job_id=? AND provider_id=? AND status='pending'`, jobID, providerID).Scan(&n)
	return n > 0, err
}

// SetQuotationStatus moves a pending quotation to status. It returns ErrStale
// when the quotation is no longer pending.
func (r Repo) SetQuotationStatus(ctx context.Context, tx *sql.Tx, id string, status domain.QuotationStatus, reason, updatedAt string) error {
	return affectedOrStale(tx.ExecContext(ctx, `UPDATE quotations SET status=?, reject_reason=?, updated_at=? WHERE id=? AND status='pending'`,
		status, nullable(reason), updatedAt, id))
}

// RejectPendingQuotations rejects every pending quotation of the job except
// keepID and returns the rejected rows.
func (r Repo) RejectPendingQuotations(ctx context.Context, tx *sql.Tx, jobID, keepID, reason, updatedAt string) ([]domain.Quotation, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+quotationColumns+` FROM quotations WHERE job_id=? AND status='pending' AND id<>?`, jobID, keepID)
	if err != nil {
		return nil, err
	}
	pending, err := scanQuotations(rows)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE quotations SET status='rejected', reject_reason=?, updated_at=? WHERE job_id=? AND status='pending' AND id<>?`,
		reason, updatedAt, jobID, keepID); err != nil {
		return nil, err
	}
	return pending, nil
}

// MarkQuotationRead flips the read flag and reports whether it changed.
func (r Repo) MarkQuotationRead(ctx context.Context, tx *sql.Tx, id, updatedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE quotations SET read_by_client=1, updated_at=? WHERE id=? AND read_by_client=0`, updatedAt, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) CountUnreadQuotations(ctx context.Context, jobID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM quotations WHERE job_id=? AND status='pending' AND read_by_client=0`, jobID).Scan(&n)
	return n, err
}
