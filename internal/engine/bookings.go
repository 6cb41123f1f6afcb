package engine

import (
	"context"
	"database/sql"

	"bidline/internal/domain"
	"bidline/internal/notify"
	"bidline/internal/repo"
)

// Reasons recorded on bookings the engine cancels.
const (
	ReasonStartRetryLimit = "start_retry_limit"
	ReasonDisputeCanceled = "dispute_canceled"
)

func (e Engine) GetBooking(ctx context.Context, id string) (domain.Booking, error) {
	b, err := e.Repo.GetBooking(ctx, nil, id)
	return b, notFound(err, "booking", id)
}

func (e Engine) ListBookings(ctx context.Context, f repo.BookingFilters) ([]domain.Booking, error) {
	return e.Repo.ListBookings(ctx, f)
}

func (e Engine) loadBookingForParty(ctx context.Context, tx *sql.Tx, op, bookingID, actorID string) (domain.Booking, domain.Role, error) {
	b, err := e.Repo.GetBooking(ctx, tx, bookingID)
	if err != nil {
		return b, "", notFound(err, "booking", bookingID)
	}
	role, ok := b.RoleOf(actorID)
	if !ok {
		return b, "", NotAllowedError{Op: op, Reason: "actor is not a party to the booking"}
	}
	return b, role, nil
}

// saveBooking writes b guarded by its version and advances the in-memory copy.
func (e Engine) saveBooking(ctx context.Context, tx *sql.Tx, b *domain.Booking) error {
	b.UpdatedAt = e.stamp()
	if err := e.Repo.UpdateBooking(ctx, tx, *b); err != nil {
		return staleOr(err, "booking", b.ID, "booking changed concurrently")
	}
	b.Version++
	return nil
}

// RequestStart records the actor's start mark. The booking starts once both
// parties have asked; later requests only move the counter.
func (e Engine) RequestStart(ctx context.Context, bookingID, actorID string) (domain.Booking, error) {
	var (
		b    domain.Booking
		from domain.BookingState
	)
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		var (
			role domain.Role
			err  error
		)
		b, role, err = e.loadBookingForParty(ctx, tx, "request_start", bookingID, actorID)
		if err != nil {
			return err
		}
		from = b.State
		switch b.State {
		case domain.BookingPending:
			b.TotalTryingToStart++
			if role == domain.RoleClient {
				b.StartRequestedClient = true
			} else {
				b.StartRequestedProvider = true
			}
			if b.StartRequestedClient && b.StartRequestedProvider {
				b.State = domain.BookingRunning
			} else if limit := e.config().Policy.MaxStartRequests; limit > 0 && b.TotalTryingToStart > limit {
				b.State = domain.BookingCanceled
				b.CancelReason = ReasonStartRetryLimit
			}
		case domain.BookingRunning:
			b.TotalTryingToStart++
		default:
			return NotAllowedError{Op: "request_start", Reason: "booking is " + string(b.State)}
		}
		if err := e.saveBooking(ctx, tx, &b); err != nil {
			return err
		}
		w := e.eventWriter()
		if err := w.Append(ctx, tx, "booking.start_requested", "booking", b.ID, actorID, domain.EventPayload{Ref: string(role), Count: b.TotalTryingToStart}); err != nil {
			return err
		}
		if b.State != from {
			return w.Append(ctx, tx, "booking.state_changed", "booking", b.ID, actorID, domain.EventPayload{From: string(from), To: string(b.State), Reason: b.CancelReason})
		}
		return nil
	})
	if err != nil {
		return domain.Booking{}, err
	}
	switch {
	case b.State == from && from == domain.BookingPending:
		e.dispatch(ctx, notify.Message{
			UserID:   b.Counterparty(actorID),
			Type:     notify.TypeStartRequested,
			Title:    "Start requested",
			Body:     "The other party is ready to start the work",
			Redirect: notify.Redirect{Kind: "booking", ID: b.ID},
		})
	case b.State == domain.BookingRunning && from == domain.BookingPending:
		e.dispatch(ctx, bothParties(b, notify.TypeBookingStarted, "Work started", "Both parties confirmed the start of the work")...)
	case b.State == domain.BookingCanceled:
		e.dispatch(ctx, bothParties(b, notify.TypeBookingCanceled, "Booking canceled", "The booking was canceled after too many start attempts")...)
	}
	return b, nil
}

// RequestFinish records the actor's finish mark. When both parties have asked
// the booking completes and is settled in the same transaction, so a failed
// settlement leaves the booking running.
func (e Engine) RequestFinish(ctx context.Context, bookingID, actorID string) (domain.Booking, error) {
	var b domain.Booking
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		var (
			role domain.Role
			err  error
		)
		b, role, err = e.loadBookingForParty(ctx, tx, "request_finish", bookingID, actorID)
		if err != nil {
			return err
		}
		if b.State != domain.BookingRunning {
			return NotAllowedError{Op: "request_finish", Reason: "booking is " + string(b.State)}
		}
		if limit := e.config().Policy.MaxFinishRequests; limit > 0 && b.TotalTryingToFinish >= limit {
			return NotAllowedError{Op: "request_finish", Reason: "finish request limit reached; open a dispute"}
		}
		b.TotalTryingToFinish++
		if role == domain.RoleClient {
			b.FinishRequestedClient = true
		} else {
			b.FinishRequestedProvider = true
		}
		completed := b.FinishRequestedClient && b.FinishRequestedProvider
		if completed {
			now := e.stamp()
			b.State = domain.BookingCompleted
			b.CompletedAt = &now
		}
		if err := e.saveBooking(ctx, tx, &b); err != nil {
			return err
		}
		w := e.eventWriter()
		if err := w.Append(ctx, tx, "booking.finish_requested", "booking", b.ID, actorID, domain.EventPayload{Ref: string(role), Count: b.TotalTryingToFinish}); err != nil {
			return err
		}
		if !completed {
			return nil
		}
		if err := w.Append(ctx, tx, "booking.state_changed", "booking", b.ID, actorID, domain.EventPayload{From: string(domain.BookingRunning), To: string(b.State)}); err != nil {
			return err
		}
		_, err = e.settle(ctx, tx, &b, actorID)
		return err
	})
	if err != nil {
		return domain.Booking{}, err
	}
	if b.State == domain.BookingCompleted {
		e.dispatch(ctx, bothParties(b, notify.TypeBookingCompleted, "Work completed", "The booking is complete. You can now rate the other party")...)
	} else {
		e.dispatch(ctx, notify.Message{
			UserID:   b.Counterparty(actorID),
			Type:     notify.TypeFinishRequested,
			Title:    "Finish requested",
			Body:     "The other party marked the work as finished",
			Redirect: notify.Redirect{Kind: "booking", ID: b.ID},
		})
	}
	return b, nil
}

// MarkExpired is the sweep hook for bookings whose work date has passed
// without completion. Expiring an expired booking is a no-op.
func (e Engine) MarkExpired(ctx context.Context, bookingID string) (domain.Booking, error) {
	var (
		b       domain.Booking
		changed bool
	)
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		b, err = e.Repo.GetBooking(ctx, tx, bookingID)
		if err != nil {
			return notFound(err, "booking", bookingID)
		}
		switch b.State {
		case domain.BookingExpired:
			return nil
		case domain.BookingPending, domain.BookingRunning:
		default:
			return NotAllowedError{Op: "mark_expired", Reason: "booking is " + string(b.State)}
		}
		if b.WorkDate == "" {
			return NotAllowedError{Op: "mark_expired", Reason: "booking has no work date"}
		}
		workDate, err := parseTime("work_date", b.WorkDate)
		if err != nil {
			return err
		}
		if !workDate.Before(e.now()) {
			return NotAllowedError{Op: "mark_expired", Reason: "work date has not passed"}
		}
		from := b.State
		b.State = domain.BookingExpired
		if err := e.saveBooking(ctx, tx, &b); err != nil {
			return err
		}
		changed = true
		return e.eventWriter().Append(ctx, tx, "booking.state_changed", "booking", b.ID, "system", domain.EventPayload{From: string(from), To: string(b.State)})
	})
	if err != nil {
		return domain.Booking{}, err
	}
	if changed {
		e.dispatch(ctx, bothParties(b, notify.TypeBookingExpired, "Booking expired", "The work date passed before the booking was completed")...)
	}
	return b, nil
}

func bothParties(b domain.Booking, typ, title, body string) []notify.Message {
	return []notify.Message{
		{UserID: b.ClientID, Type: typ, Title: title, Body: body, Redirect: notify.Redirect{Kind: "booking", ID: b.ID}},
		{UserID: b.ProviderID, Type: typ, Title: title, Body: body, Redirect: notify.Redirect{Kind: "booking", ID: b.ID}},
	}
}

// SweepExpired runs MarkExpired over every pending or running booking and
// returns the ones it expired. Bookings whose work date has not passed are
// skipped.
func (e Engine) SweepExpired(ctx context.Context) ([]domain.Booking, error) {
	var expired []domain.Booking
	for _, st := range []domain.BookingState{domain.BookingPending, domain.BookingRunning} {
		items, err := e.Repo.ListBookings(ctx, repo.BookingFilters{State: string(st)})
		if err != nil {
			return expired, err
		}
		for _, b := range items {
			got, err := e.MarkExpired(ctx, b.ID)
			if err == nil {
				expired = append(expired, got)
				continue
			}
			switch KindOf(err) {
			case KindNotAllowed, KindConflict:
				// Not due yet, or moved on since it was listed.
			default:
				return expired, err
			}
		}
	}
	return expired, nil
}
