package engine

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"bidline/internal/domain"
	"bidline/internal/notify"
)

// FileDisputeOptions are parameters for opening a dispute on a booking.
type FileDisputeOptions struct {
	BookingID   string
	FilerID     string
	Reason      string
	Description string
}

// FileDispute freezes a running booking until an admin resolves the dispute.
func (e Engine) FileDispute(ctx context.Context, opts FileDisputeOptions) (domain.Dispute, error) {
	if _, ok := e.config().DisputeReason(opts.Reason); !ok {
		return domain.Dispute{}, ValidationError{Field: "reason", Reason: "unknown dispute reason " + opts.Reason}
	}
	var (
		d domain.Dispute
		b domain.Booking
	)
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		b, _, err = e.loadBookingForParty(ctx, tx, "file_dispute", opts.BookingID, opts.FilerID)
		if err != nil {
			return err
		}
		if _, err := e.Repo.OpenDispute(ctx, tx, b.ID); err == nil {
			return NotAllowedError{Op: "file_dispute", Reason: "booking already has an open dispute"}
		} else if !isNotFound(err) {
			return err
		}
		if b.State != domain.BookingRunning {
			return NotAllowedError{Op: "file_dispute", Reason: "booking is " + string(b.State)}
		}
		b.StateBeforeDispute = b.State
		b.State = domain.BookingDispute
		if err := e.saveBooking(ctx, tx, &b); err != nil {
			return err
		}
		d = domain.Dispute{
			ID:          uuid.NewString(),
			BookingID:   b.ID,
			FilerID:     opts.FilerID,
			Reason:      opts.Reason,
			Description: opts.Description,
			Status:      domain.DisputeOpen,
			CreatedAt:   e.stamp(),
		}
		if err := e.Repo.InsertDispute(ctx, tx, d); err != nil {
			if isUniqueViolation(err) {
				return NotAllowedError{Op: "file_dispute", Reason: "booking already has an open dispute"}
			}
			return err
		}
		w := e.eventWriter()
		if err := w.Append(ctx, tx, "dispute.filed", "dispute", d.ID, opts.FilerID, domain.EventPayload{Ref: b.ID, Reason: d.Reason}); err != nil {
			return err
		}
		return w.Append(ctx, tx, "booking.state_changed", "booking", b.ID, opts.FilerID, domain.EventPayload{From: string(b.StateBeforeDispute), To: string(b.State), Ref: d.ID})
	})
	if err != nil {
		return domain.Dispute{}, err
	}
	e.dispatch(ctx, notify.Message{
		UserID:   b.Counterparty(opts.FilerID),
		Type:     notify.TypeDisputeFiled,
		Title:    "Dispute opened",
		Body:     "The other party opened a dispute on your booking",
		Redirect: notify.Redirect{Kind: "dispute", ID: d.ID},
	})
	return d, nil
}

// ResolveDisputeOptions are parameters for closing a dispute.
type ResolveDisputeOptions struct {
	DisputeID string
	Outcome   domain.DisputeOutcome
	Comment   string
	AdminID   string
}

// ResolveDispute closes an open dispute and applies its outcome to the
// booking in the same transaction. A complete outcome settles the booking.
func (e Engine) ResolveDispute(ctx context.Context, opts ResolveDisputeOptions) (domain.Dispute, domain.Booking, error) {
	switch opts.Outcome {
	case domain.OutcomeResume, domain.OutcomeComplete, domain.OutcomeCancel:
	default:
		return domain.Dispute{}, domain.Booking{}, ValidationError{Field: "outcome", Reason: "must be resume, complete or cancel"}
	}
	if opts.AdminID == "" {
		return domain.Dispute{}, domain.Booking{}, ValidationError{Field: "admin_id", Reason: "required"}
	}
	var (
		d domain.Dispute
		b domain.Booking
	)
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		d, err = e.Repo.GetDispute(ctx, tx, opts.DisputeID)
		if err != nil {
			return notFound(err, "dispute", opts.DisputeID)
		}
		if d.Status != domain.DisputeOpen {
			return NotAllowedError{Op: "resolve_dispute", Reason: "dispute is " + string(d.Status)}
		}
		b, err = e.Repo.GetBooking(ctx, tx, d.BookingID)
		if err != nil {
			return notFound(err, "booking", d.BookingID)
		}
		if b.State != domain.BookingDispute {
			return ConflictError{Entity: "booking", ID: b.ID, Reason: "booking is " + string(b.State)}
		}
		now := e.stamp()
		switch opts.Outcome {
		case domain.OutcomeResume:
			b.State = b.StateBeforeDispute
			if b.State == "" {
				b.State = domain.BookingRunning
			}
			b.FinishRequestedClient = false
			b.FinishRequestedProvider = false
		case domain.OutcomeComplete:
			b.State = domain.BookingCompleted
			b.CompletedAt = &now
		case domain.OutcomeCancel:
			b.State = domain.BookingCanceled
			b.CancelReason = ReasonDisputeCanceled
		}
		b.StateBeforeDispute = ""
		if err := e.saveBooking(ctx, tx, &b); err != nil {
			return err
		}
		d.Status = domain.DisputeResolved
		d.Outcome = opts.Outcome
		d.Comment = opts.Comment
		d.ResolvedBy = opts.AdminID
		d.ResolvedAt = &now
		if err := e.Repo.ResolveDispute(ctx, tx, d); err != nil {
			return staleOr(err, "dispute", d.ID, "dispute already resolved")
		}
		w := e.eventWriter()
		if err := w.Append(ctx, tx, "dispute.resolved", "dispute", d.ID, opts.AdminID, domain.EventPayload{Ref: b.ID, To: string(d.Outcome)}); err != nil {
			return err
		}
		if err := w.Append(ctx, tx, "booking.state_changed", "booking", b.ID, opts.AdminID, domain.EventPayload{From: string(domain.BookingDispute), To: string(b.State), Ref: d.ID}); err != nil {
			return err
		}
		if b.State == domain.BookingCompleted {
			_, err = e.settle(ctx, tx, &b, opts.AdminID)
		}
		return err
	})
	if err != nil {
		return domain.Dispute{}, domain.Booking{}, err
	}
	e.dispatch(ctx, bothParties(b, notify.TypeDisputeResolved, "Dispute resolved", "The dispute was resolved: "+string(d.Outcome))...)
	return d, b, nil
}

func (e Engine) GetDispute(ctx context.Context, id string) (domain.Dispute, error) {
	d, err := e.Repo.GetDispute(ctx, nil, id)
	return d, notFound(err, "dispute", id)
}

func (e Engine) ListDisputes(ctx context.Context, bookingID, status string) ([]domain.Dispute, error) {
	return e.Repo.ListDisputes(ctx, bookingID, status)
}
