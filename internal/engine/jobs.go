package engine

import (
	"context"
	"database/sql"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"bidline/internal/catalog"
	"bidline/internal/domain"
	"bidline/internal/notify"
	"bidline/internal/repo"
)

// Reasons recorded on quotations the system rejects.
const (
	ReasonJobBooked  = "job_booked"
	ReasonJobClosed  = "job_closed"
	ReasonJobExpired = "job_expired"
)

// PostJobOptions are parameters for posting a job.
type PostJobOptions struct {
	ID               string
	OwnerID          string
	ServiceID        string
	CategoryID       string
	AddressID        string
	Price            int64
	Visibility       domain.Visibility
	AllowedProviders []string
	Answers          []domain.Answer
}

func (e Engine) PostJob(ctx context.Context, opts PostJobOptions) (domain.Job, error) {
	if strings.TrimSpace(opts.OwnerID) == "" {
		return domain.Job{}, ValidationError{Field: "owner_id", Reason: "required"}
	}
	if opts.Price < 0 {
		return domain.Job{}, ValidationError{Field: "price", Reason: "must be >= 0"}
	}
	if opts.Price > domain.MaxAmount {
		return domain.Job{}, amountTooLarge("price")
	}
	if opts.Visibility == "" {
		opts.Visibility = domain.VisibilityPublic
	}
	switch opts.Visibility {
	case domain.VisibilityPublic:
		opts.AllowedProviders = nil
	case domain.VisibilityPrivate:
		if len(opts.AllowedProviders) == 0 {
			return domain.Job{}, ValidationError{Field: "allowed_providers", Reason: "required for private jobs"}
		}
	default:
		return domain.Job{}, ValidationError{Field: "visibility", Reason: "must be public or private"}
	}
	for i, a := range opts.Answers {
		if strings.TrimSpace(a.Question) == "" {
			return domain.Job{}, ValidationError{Field: "answers", Reason: "question required at position " + strconv.Itoa(i)}
		}
	}
	now := e.stamp()
	j := domain.Job{
		ID:               opts.ID,
		OwnerID:          opts.OwnerID,
		ServiceID:        opts.ServiceID,
		CategoryID:       opts.CategoryID,
		AddressID:        opts.AddressID,
		Price:            opts.Price,
		State:            domain.JobOpen,
		Visibility:       opts.Visibility,
		AllowedProviders: opts.AllowedProviders,
		Answers:          opts.Answers,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertJob(ctx, tx, j); err != nil {
			if isUniqueViolation(err) {
				return ConflictError{Entity: "job", ID: j.ID, Reason: "already exists"}
			}
			return err
		}
		return e.eventWriter().Append(ctx, tx, "job.posted", "job", j.ID, j.OwnerID, domain.EventPayload{To: string(j.State), Amount: j.Price})
	})
	if err != nil {
		return domain.Job{}, err
	}
	var msgs []notify.Message
	for _, p := range j.AllowedProviders {
		msgs = append(msgs, notify.Message{
			UserID:   p,
			Type:     notify.TypeJobInvited,
			Title:    "You are invited to quote",
			Body:     "New private job for " + e.label(ctx, catalog.KindService, j.ServiceID),
			Redirect: notify.Redirect{Kind: "job", ID: j.ID},
		})
	}
	e.dispatch(ctx, msgs...)
	return j, nil
}

func (e Engine) GetJob(ctx context.Context, id string) (domain.Job, error) {
	j, err := e.Repo.GetJob(ctx, nil, id)
	return j, notFound(err, "job", id)
}

func (e Engine) ListJobs(ctx context.Context, f repo.JobFilters) ([]domain.Job, error) {
	return e.Repo.ListJobs(ctx, f)
}

// AcceptQuotation awards the job to the quotation and creates the booking.
// Job and quotation are re-checked inside the transaction and every write is
// guarded, so of two concurrent accepts only one commits.
func (e Engine) AcceptQuotation(ctx context.Context, jobID, quotationID, actorID string) (domain.Booking, error) {
	var (
		b        domain.Booking
		job      domain.Job
		rejected []domain.Quotation
	)
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		job, err = e.Repo.GetJob(ctx, tx, jobID)
		if err != nil {
			return notFound(err, "job", jobID)
		}
		if job.OwnerID != actorID {
			return NotAllowedError{Op: "accept_quotation", Reason: "only the job owner may accept quotations"}
		}
		if job.State != domain.JobOpen {
			return ConflictError{Entity: "job", ID: jobID, Reason: "job is " + string(job.State)}
		}
		q, err := e.Repo.GetQuotation(ctx, tx, quotationID)
		if err != nil {
			return notFound(err, "quotation", quotationID)
		}
		if q.JobID != jobID {
			return NotFoundError{Entity: "quotation", ID: quotationID}
		}
		if q.Status != domain.QuotationPending {
			return ConflictError{Entity: "quotation", ID: quotationID, Reason: "quotation is " + string(q.Status)}
		}
		now := e.stamp()
		if err := e.Repo.TransitionJob(ctx, tx, jobID, domain.JobOpen, domain.JobBooked, now); err != nil {
			return staleOr(err, "job", jobID, "job is no longer open")
		}
		if err := e.Repo.SetQuotationStatus(ctx, tx, quotationID, domain.QuotationAccepted, "", now); err != nil {
			return staleOr(err, "quotation", quotationID, "quotation is no longer pending")
		}
		rejected, err = e.Repo.RejectPendingQuotations(ctx, tx, jobID, quotationID, ReasonJobBooked, now)
		if err != nil {
			return err
		}
		b = domain.Booking{
			ID:          uuid.NewString(),
			JobID:       jobID,
			QuotationID: quotationID,
			ClientID:    job.OwnerID,
			ProviderID:  q.ProviderID,
			State:       domain.BookingPending,
			FinalPrice:  q.Amount,
			WorkDate:    q.WorkDate,
			Version:     1,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := e.Repo.InsertBooking(ctx, tx, b); err != nil {
			return staleOr(err, "job", jobID, "job already has a booking")
		}
		w := e.eventWriter()
		if err := w.Append(ctx, tx, "quotation.accepted", "quotation", quotationID, actorID, domain.EventPayload{From: string(domain.QuotationPending), To: string(domain.QuotationAccepted), Amount: q.Amount}); err != nil {
			return err
		}
		if err := w.Append(ctx, tx, "job.booked", "job", jobID, actorID, domain.EventPayload{From: string(domain.JobOpen), To: string(domain.JobBooked), Ref: b.ID, Count: len(rejected)}); err != nil {
			return err
		}
		return w.Append(ctx, tx, "booking.created", "booking", b.ID, actorID, domain.EventPayload{To: string(b.State), Amount: b.FinalPrice, Ref: quotationID})
	})
	if err != nil {
		return domain.Booking{}, err
	}
	service := e.label(ctx, catalog.KindService, job.ServiceID)
	msgs := []notify.Message{{
		UserID:   b.ProviderID,
		Type:     notify.TypeQuotationAccepted,
		Title:    "Your quotation was accepted",
		Body:     "You have a new booking for " + service,
		Redirect: notify.Redirect{Kind: "booking", ID: b.ID},
	}}
	for _, q := range rejected {
		msgs = append(msgs, rejectionMessage(q, service, ReasonJobBooked))
	}
	e.dispatch(ctx, msgs...)
	return b, nil
}

// CancelJob closes an open job. Closing an already closed job is a no-op.
func (e Engine) CancelJob(ctx context.Context, jobID, reasonCode, description, actorID string) (domain.Job, error) {
	var (
		job      domain.Job
		rejected []domain.Quotation
		changed  bool
	)
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		job, err = e.Repo.GetJob(ctx, tx, jobID)
		if err != nil {
			return notFound(err, "job", jobID)
		}
		if job.OwnerID != actorID {
			return NotAllowedError{Op: "cancel_job", Reason: "only the job owner may cancel"}
		}
		switch job.State {
		case domain.JobClosed:
			return nil
		case domain.JobOpen:
		default:
			return NotAllowedError{Op: "cancel_job", Reason: "job is " + string(job.State)}
		}
		if _, ok := e.config().CancelReason(reasonCode); !ok {
			return ValidationError{Field: "reason", Reason: "unknown cancel reason " + reasonCode}
		}
		now := e.stamp()
		if err := e.Repo.CloseJob(ctx, tx, jobID, reasonCode, description, now); err != nil {
			return staleOr(err, "job", jobID, "job is no longer open")
		}
		rejected, err = e.Repo.RejectPendingQuotations(ctx, tx, jobID, "", ReasonJobClosed, now)
		if err != nil {
			return err
		}
		job.State = domain.JobClosed
		job.CancelReason = reasonCode
		job.CancelDescription = description
		job.UpdatedAt = now
		changed = true
		return e.eventWriter().Append(ctx, tx, "job.canceled", "job", jobID, actorID, domain.EventPayload{From: string(domain.JobOpen), To: string(domain.JobClosed), Reason: reasonCode, Count: len(rejected)})
	})
	if err != nil {
		return domain.Job{}, err
	}
	if changed {
		service := e.label(ctx, catalog.KindService, job.ServiceID)
		var msgs []notify.Message
		for _, q := range rejected {
			msgs = append(msgs, rejectionMessage(q, service, ReasonJobClosed))
		}
		e.dispatch(ctx, msgs...)
	}
	return job, nil
}

// ExpireJob is the sweep hook for open jobs past their useful life. It is
// idempotent on expired jobs.
func (e Engine) ExpireJob(ctx context.Context, jobID string) (domain.Job, error) {
	var job domain.Job
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		job, err = e.Repo.GetJob(ctx, tx, jobID)
		if err != nil {
			return notFound(err, "job", jobID)
		}
		switch job.State {
		case domain.JobExpired:
			return nil
		case domain.JobOpen:
		default:
			return NotAllowedError{Op: "expire_job", Reason: "job is " + string(job.State)}
		}
		now := e.stamp()
		if err := e.Repo.TransitionJob(ctx, tx, jobID, domain.JobOpen, domain.JobExpired, now); err != nil {
			return staleOr(err, "job", jobID, "job is no longer open")
		}
		rejected, err := e.Repo.RejectPendingQuotations(ctx, tx, jobID, "", ReasonJobExpired, now)
		if err != nil {
			return err
		}
		job.State = domain.JobExpired
		job.UpdatedAt = now
		return e.eventWriter().Append(ctx, tx, "job.expired", "job", jobID, "system", domain.EventPayload{From: string(domain.JobOpen), To: string(domain.JobExpired), Count: len(rejected)})
	})
	if err != nil {
		return domain.Job{}, err
	}
	return job, nil
}

func rejectionMessage(q domain.Quotation, service, reason string) notify.Message {
	typ, body := notify.TypeQuotationRejected, "The client rejected your quotation"
	switch reason {
	case ReasonJobBooked:
		body = "The job was awarded to another provider"
	case ReasonJobClosed:
		typ, body = notify.TypeJobCanceled, "The client canceled the job"
	}
	if service != "" {
		body += " for " + service
	}
	return notify.Message{
		UserID:   q.ProviderID,
		Type:     typ,
		Title:    "Quotation not accepted",
		Body:     body,
		Redirect: notify.Redirect{Kind: "quotation", ID: q.ID},
	}
}
