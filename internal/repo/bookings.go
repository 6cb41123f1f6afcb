package repo

import (
	"context"
	"database/sql"
	"strings"

	"bidline/internal/domain"
)

const bookingColumns = `id,job_id,quotation_id,client_id,provider_id,state,COALESCE(state_before_dispute,''),
start_requested_client,start_requested_provider,finish_requested_client,finish_requested_provider,
total_trying_to_start,total_trying_to_finish,final_price,COALESCE(work_date,''),completed_at,settled_at,
COALESCE(cancel_reason,''),version,created_at,updated_at`

func scanBooking(row scanner) (domain.Booking, error) {
	var b domain.Booking
	var sc, sp, fc, fp int
	var completedAt, settledAt sql.NullString
	err := row.Scan(&b.ID, &b.JobID, &b.QuotationID, &b.ClientID, &b.ProviderID, &b.State, &b.StateBeforeDispute,
		&sc, &sp, &fc, &fp, &b.TotalTryingToStart, &b.TotalTryingToFinish, &b.FinalPrice, &b.WorkDate,
		&completedAt, &settledAt, &b.CancelReason, &b.Version, &b.CreatedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if err != nil {
		return b, err
	}
	b.StartRequestedClient = sc == 1
	b.StartRequestedProvider = sp == 1
	b.FinishRequestedClient = fc == 1
	b.FinishRequestedProvider = fp == 1
	b.CompletedAt = stringPtr(completedAt)
	b.SettledAt = stringPtr(settledAt)
	return b, nil
}

func (r Repo) InsertBooking(ctx context.Context, tx *sql.Tx, b domain.Booking) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO bookings(id,job_id,quotation_id,client_id,provider_id,state,final_price,work_date,version,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		b.ID, b.JobID, b.QuotationID, b.ClientID, b.ProviderID, b.State, b.FinalPrice, nullable(b.WorkDate), b.Version, b.CreatedAt, b.UpdatedAt)
	return err
}

func (r Repo) GetBooking(ctx context.Context, q Querier, id string) (domain.Booking, error) {
	return scanBooking(r.q(q).QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id=?`, id))
}

func (r Repo) GetBookingByJob(ctx context.Context, q Querier, jobID string) (domain.Booking, error) {
	return scanBooking(r.q(q).QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE job_id=?`, jobID))
}

type BookingFilters struct {
	UserID string
	State  string
	Limit  int
}

// ListBookings returns bookings where UserID is either party.
func (r Repo) ListBookings(ctx context.Context, f BookingFilters) ([]domain.Booking, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.UserID != "" {
		clauses = append(clauses, "(client_id=? OR provider_id=?)")
		args = append(args, f.UserID, f.UserID)
	}
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

// UpdateBooking writes every mutable field of b guarded by the version it was
// read at, and bumps the version. ErrStale means another writer got there first.
func (r Repo) UpdateBooking(ctx context.Context, tx *sql.Tx, b domain.Booking) error {
	return affectedOrStale(tx.ExecContext(ctx, `UPDATE bookings SET state=?, state_before_dispute=?,
start_requested_client=?, start_requested_provider=?, finish_requested_client=?, finish_requested_provider=?,
total_trying_to_start=?, total_trying_to_finish=?, completed_at=?, cancel_reason=?, version=version+1, updated_at=?
WHERE id=? AND version=?`,
		b.State, nullable(string(b.StateBeforeDispute)),
		boolInt(b.StartRequestedClient), boolInt(b.StartRequestedProvider), boolInt(b.FinishRequestedClient), boolInt(b.FinishRequestedProvider),
		b.TotalTryingToStart, b.TotalTryingToFinish, nullableStringPtr(b.CompletedAt), nullable(b.CancelReason), b.UpdatedAt,
		b.ID, b.Version))
}

// MarkBookingSettled stamps settled_at once. It returns ErrStale when the
// booking is already settled or not completed.
func (r Repo) MarkBookingSettled(ctx context.Context, tx *sql.Tx, id, settledAt string) error {
	return affectedOrStale(tx.ExecContext(ctx, `UPDATE bookings SET settled_at=?, updated_at=? WHERE id=? AND state='completed' AND settled_at IS NULL`,
		settledAt, settledAt, id))
}
