package repo

import (
	"context"
	"database/sql"

	"bidline/internal/domain"
)

const reviewColumns = `id,booking_id,reviewer_id,reviewee_id,stars,COALESCE(comment,''),created_at,updated_at`

func scanReview(row scanner) (domain.Review, error) {
	var rv domain.Review
	err := row.Scan(&rv.ID, &rv.BookingID, &rv.ReviewerID, &rv.RevieweeID, &rv.Stars, &rv.Comment, &rv.CreatedAt, &rv.UpdatedAt)
	if err == sql.ErrNoRows {
		return rv, ErrNotFound
	}
	return rv, err
}

func (r Repo) FindReview(ctx context.Context, tx *sql.Tx, bookingID, reviewerID, revieweeID string) (domain.Review, error) {
	return scanReview(tx.QueryRowContext(ctx, `SELECT `+reviewColumns+` FROM reviews WHERE booking_id=? AND reviewer_id=? AND reviewee_id=?`,
		bookingID, reviewerID, revieweeID))
}

func (r Repo) InsertReview(ctx context.Context, tx *sql.Tx, rv domain.Review) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO reviews(id,booking_id,reviewer_id,reviewee_id,stars,comment,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		rv.ID, rv.BookingID, rv.ReviewerID, rv.RevieweeID, rv.Stars, nullable(rv.Comment), rv.CreatedAt, rv.UpdatedAt)
	return err
}

func (r Repo) UpdateReview(ctx context.Context, tx *sql.Tx, rv domain.Review) error {
	return affectedOrStale(tx.ExecContext(ctx, `UPDATE reviews SET stars=?, comment=?, updated_at=? WHERE id=?`,
		rv.Stars, nullable(rv.Comment), rv.UpdatedAt, rv.ID))
}

func (r Repo) ListReviews(ctx context.Context, revieweeID, bookingID string) ([]domain.Review, error) {
	query := `SELECT ` + reviewColumns + ` FROM reviews WHERE 1=1`
	var args []any
	if revieweeID != "" {
		query += ` AND reviewee_id=?`
		args = append(args, revieweeID)
	}
	if bookingID != "" {
		query += ` AND booking_id=?`
		args = append(args, bookingID)
	}
	rows, err := r.DB.QueryContext(ctx, query+` ORDER BY created_at DESC, id DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Review
	for rows.Next() {
		rv, err := scanReview(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rv)
	}
	return res, rows.Err()
}

// AdjustRating applies a delta to the user's (count, sum) aggregate.
func (r Repo) AdjustRating(ctx context.Context, tx *sql.Tx, userID string, deltaCount, deltaSum int) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO user_ratings(user_id,review_count,star_sum) VALUES (?,?,?)
ON CONFLICT(user_id) DO UPDATE SET review_count=review_count+excluded.review_count, star_sum=star_sum+excluded.star_sum`,
		userID, deltaCount, deltaSum)
	return err
}

// GetRating returns the aggregate; a user without reviews has a zero summary.
func (r Repo) GetRating(ctx context.Context, userID string) (domain.RatingSummary, error) {
	s := domain.RatingSummary{UserID: userID}
	err := r.DB.QueryRowContext(ctx, `SELECT review_count,star_sum FROM user_ratings WHERE user_id=?`, userID).Scan(&s.Count, &s.Sum)
	if err == sql.ErrNoRows {
		return s, nil
	}
	return s, err
}

// StarBreakdown counts the user's reviews per star value.
func (r Repo) StarBreakdown(ctx context.Context, userID string) (map[int]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT stars, count(*) FROM reviews WHERE reviewee_id=? GROUP BY stars`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[int]int{}
	for rows.Next() {
		var stars, n int
		if err := rows.Scan(&stars, &n); err != nil {
			return nil, err
		}
		res[stars] = n
	}
	return res, rows.Err()
}
