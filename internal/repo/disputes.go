package repo

import (
	"context"
	"database/sql"

	"bidline/internal/domain"
)

const disputeColumns = `id,booking_id,filer_id,reason,COALESCE(description,''),status,COALESCE(outcome,''),COALESCE(comment,''),COALESCE(resolved_by,''),resolved_at,created_at`

func scanDispute(row scanner) (domain.Dispute, error) {
	var d domain.Dispute
	var resolvedAt sql.NullString
	err := row.Scan(&d.ID, &d.BookingID, &d.FilerID, &d.Reason, &d.Description, &d.Status, &d.Outcome, &d.Comment, &d.ResolvedBy, &resolvedAt, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	d.ResolvedAt = stringPtr(resolvedAt)
	return d, err
}

func (r Repo) InsertDispute(ctx context.Context, tx *sql.Tx, d domain.Dispute) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO disputes(id,booking_id,filer_id,reason,description,status,created_at) VALUES (?,?,?,?,?,?,?)`,
		d.ID, d.BookingID, d.FilerID, d.Reason, nullable(d.Description), d.Status, d.CreatedAt)
	return err
}

func (r Repo) GetDispute(ctx context.Context, q Querier, id string) (domain.Dispute, error) {
	return scanDispute(r.q(q).QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id=?`, id))
}

// OpenDispute returns the open dispute of the booking, if any.
func (r Repo) OpenDispute(ctx context.Context, q Querier, bookingID string) (domain.Dispute, error) {
	return scanDispute(r.q(q).QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE booking_id=? AND status='open'`, bookingID))
}

func (r Repo) ListDisputes(ctx context.Context, bookingID, status string) ([]domain.Dispute, error) {
	query := `SELECT ` + disputeColumns + ` FROM disputes WHERE 1=1`
	var args []any
	if bookingID != "" {
		query += ` AND booking_id=?`
		args = append(args, bookingID)
	}
	if status != "" {
		query += ` AND status=?`
		args = append(args, status)
	}
	rows, err := r.DB.QueryContext(ctx, query+` ORDER BY created_at DESC, id DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// ResolveDispute closes an open dispute. ErrStale means it was already resolved.
func (r Repo) ResolveDispute(ctx context.Context, tx *sql.Tx, d domain.Dispute) error {
	return affectedOrStale(tx.ExecContext(ctx, `UPDATE disputes SET status='resolved', outcome=?, comment=?, resolved_by=?, resolved_at=? WHERE id=? AND status='open'`,
		d.Outcome, nullable(d.Comment), d.ResolvedBy, nullableStringPtr(d.ResolvedAt), d.ID))
}
