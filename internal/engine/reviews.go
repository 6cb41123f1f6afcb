package engine

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"bidline/internal/domain"
	"bidline/internal/notify"
)

// SubmitReviewOptions are parameters for rating the other party of a booking.
type SubmitReviewOptions struct {
	BookingID  string
	ReviewerID string
	RevieweeID string
	Stars      int
	Comment    string
}

// SubmitReview records or updates the reviewer's rating of the reviewee on a
// completed booking. The reviewee's rating aggregate moves in the same
// transaction.
func (e Engine) SubmitReview(ctx context.Context, opts SubmitReviewOptions) (domain.Review, error) {
	if opts.Stars < 1 || opts.Stars > 5 {
		return domain.Review{}, ValidationError{Field: "stars", Reason: "must be between 1 and 5"}
	}
	if opts.ReviewerID == opts.RevieweeID {
		return domain.Review{}, ValidationError{Field: "reviewee_id", Reason: "cannot review yourself"}
	}
	var (
		rv      domain.Review
		created bool
	)
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		b, _, err := e.loadBookingForParty(ctx, tx, "submit_review", opts.BookingID, opts.ReviewerID)
		if err != nil {
			return err
		}
		if b.State != domain.BookingCompleted {
			return NotAllowedError{Op: "submit_review", Reason: "booking is " + string(b.State)}
		}
		if b.Counterparty(opts.ReviewerID) != opts.RevieweeID {
			return ValidationError{Field: "reviewee_id", Reason: "must be the other party of the booking"}
		}
		now := e.stamp()
		existing, err := e.Repo.FindReview(ctx, tx, opts.BookingID, opts.ReviewerID, opts.RevieweeID)
		switch {
		case err == nil:
			delta := opts.Stars - existing.Stars
			rv = existing
			rv.Stars = opts.Stars
			rv.Comment = opts.Comment
			rv.UpdatedAt = now
			if err := e.Repo.UpdateReview(ctx, tx, rv); err != nil {
				return err
			}
			if err := e.Repo.AdjustRating(ctx, tx, opts.RevieweeID, 0, delta); err != nil {
				return err
			}
		case isNotFound(err):
			rv = domain.Review{
				ID:         uuid.NewString(),
				BookingID:  opts.BookingID,
				ReviewerID: opts.ReviewerID,
				RevieweeID: opts.RevieweeID,
				Stars:      opts.Stars,
				Comment:    opts.Comment,
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			if err := e.Repo.InsertReview(ctx, tx, rv); err != nil {
				return staleOr(err, "review", rv.ID, "review already exists")
			}
			if err := e.Repo.AdjustRating(ctx, tx, opts.RevieweeID, 1, opts.Stars); err != nil {
				return err
			}
			created = true
		default:
			return err
		}
		typ := "review.updated"
		if created {
			typ = "review.submitted"
		}
		return e.eventWriter().Append(ctx, tx, typ, "review", rv.ID, opts.ReviewerID, domain.EventPayload{Ref: opts.RevieweeID, Count: rv.Stars})
	})
	if err != nil {
		return domain.Review{}, err
	}
	if created {
		e.dispatch(ctx, notify.Message{
			UserID:   opts.RevieweeID,
			Type:     notify.TypeReviewReceived,
			Title:    "New review",
			Body:     "You received a new rating",
			Redirect: notify.Redirect{Kind: "review", ID: rv.ID},
		})
	}
	return rv, nil
}

// AggregateRating returns the user's average stars, or 0 without reviews.
func (e Engine) AggregateRating(ctx context.Context, userID string) (float64, error) {
	s, err := e.Repo.GetRating(ctx, userID)
	if err != nil {
		return 0, err
	}
	return average(s), nil
}

// RatingSummary returns the rating aggregate with a per-star breakdown.
func (e Engine) RatingSummary(ctx context.Context, userID string) (domain.RatingSummary, error) {
	s, err := e.Repo.GetRating(ctx, userID)
	if err != nil {
		return s, err
	}
	s.Average = average(s)
	s.Breakdown, err = e.Repo.StarBreakdown(ctx, userID)
	return s, err
}

func (e Engine) ListReviews(ctx context.Context, revieweeID, bookingID string) ([]domain.Review, error) {
	return e.Repo.ListReviews(ctx, revieweeID, bookingID)
}

func average(s domain.RatingSummary) float64 {
	if s.Count == 0 {
		return 0
	}
	return float64(s.Sum) / float64(s.Count)
}
