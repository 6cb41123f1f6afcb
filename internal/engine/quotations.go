package engine

import (
	"context"
	"database/sql"
	"strings"

	"github.com/google/uuid"

	"bidline/internal/catalog"
	"bidline/internal/domain"
	"bidline/internal/notify"
)

// ReasonRejectedByClient is the default reason on a client rejection.
const ReasonRejectedByClient = "rejected_by_client"

// SubmitQuotationOptions are parameters for bidding on a job.
type SubmitQuotationOptions struct {
	JobID      string
	ProviderID string
	Amount     int64
	WorkDate   string
	Note       string
}

func (e Engine) SubmitQuotation(ctx context.Context, opts SubmitQuotationOptions) (domain.Quotation, error) {
	if strings.TrimSpace(opts.ProviderID) == "" {
		return domain.Quotation{}, ValidationError{Field: "provider_id", Reason: "required"}
	}
	if opts.Amount <= 0 {
		return domain.Quotation{}, ValidationError{Field: "amount", Reason: "must be > 0"}
	}
	if opts.Amount > domain.MaxAmount {
		return domain.Quotation{}, amountTooLarge("amount")
	}
	if opts.WorkDate != "" {
		if _, err := parseTime("work_date", opts.WorkDate); err != nil {
			return domain.Quotation{}, err
		}
	}
	var (
		q   domain.Quotation
		job domain.Job
	)
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		job, err = e.Repo.GetJob(ctx, tx, opts.JobID)
		if err != nil {
			return notFound(err, "job", opts.JobID)
		}
		if !job.QuotationsOpen() {
			return NotAllowedError{Op: "submit_quotation", Reason: "job is " + string(job.State)}
		}
		if job.OwnerID == opts.ProviderID {
			return NotAllowedError{Op: "submit_quotation", Reason: "job owner cannot quote on own job"}
		}
		if !job.Allows(opts.ProviderID) {
			return NotAllowedError{Op: "submit_quotation", Reason: "provider is not invited to this private job"}
		}
		pending, err := e.Repo.HasPendingQuotation(ctx, tx, opts.JobID, opts.ProviderID)
		if err != nil {
			return err
		}
		if pending {
			return NotAllowedError{Op: "submit_quotation", Reason: "provider already has a pending quotation on this job"}
		}
		now := e.stamp()
		q = domain.Quotation{
			ID:         uuid.NewString(),
			JobID:      opts.JobID,
			ProviderID: opts.ProviderID,
			Amount:     opts.Amount,
			WorkDate:   opts.WorkDate,
			Note:       opts.Note,
			Status:     domain.QuotationPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := e.Repo.InsertQuotation(ctx, tx, q); err != nil {
			if isUniqueViolation(err) {
				return NotAllowedError{Op: "submit_quotation", Reason: "provider already has a pending quotation on this job"}
			}
			return err
		}
		return e.eventWriter().Append(ctx, tx, "quotation.submitted", "quotation", q.ID, q.ProviderID, domain.EventPayload{To: string(q.Status), Amount: q.Amount, Ref: q.JobID})
	})
	if err != nil {
		return domain.Quotation{}, err
	}
	e.dispatch(ctx, notify.Message{
		UserID:   job.OwnerID,
		Type:     notify.TypeQuotationReceived,
		Title:    "New quotation",
		Body:     "You received a new quotation for " + e.label(ctx, catalog.KindService, job.ServiceID),
		Redirect: notify.Redirect{Kind: "job", ID: job.ID},
	})
	return q, nil
}

// RejectQuotation lets the job owner turn down a pending bid. The provider may
// submit a new quotation afterwards.
func (e Engine) RejectQuotation(ctx context.Context, quotationID, reason, actorID string) (domain.Quotation, error) {
	if reason == "" {
		reason = ReasonRejectedByClient
	}
	var (
		q   domain.Quotation
		job domain.Job
	)
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		q, err = e.Repo.GetQuotation(ctx, tx, quotationID)
		if err != nil {
			return notFound(err, "quotation", quotationID)
		}
		job, err = e.Repo.GetJob(ctx, tx, q.JobID)
		if err != nil {
			return notFound(err, "job", q.JobID)
		}
		if job.OwnerID != actorID {
			return NotAllowedError{Op: "reject_quotation", Reason: "only the job owner may reject quotations"}
		}
		if q.Status != domain.QuotationPending {
			return ConflictError{Entity: "quotation", ID: quotationID, Reason: "quotation is " + string(q.Status)}
		}
		now := e.stamp()
		if err := e.Repo.SetQuotationStatus(ctx, tx, quotationID, domain.QuotationRejected, reason, now); err != nil {
			return staleOr(err, "quotation", quotationID, "quotation is no longer pending")
		}
		q.Status = domain.QuotationRejected
		q.RejectReason = reason
		q.UpdatedAt = now
		return e.eventWriter().Append(ctx, tx, "quotation.rejected", "quotation", quotationID, actorID, domain.EventPayload{From: string(domain.QuotationPending), To: string(q.Status), Reason: reason})
	})
	if err != nil {
		return domain.Quotation{}, err
	}
	e.dispatch(ctx, rejectionMessage(q, e.label(ctx, catalog.KindService, job.ServiceID), reason))
	return q, nil
}

// MarkQuotationRead flags a quotation as seen by the job owner. Repeated calls
// are no-ops.
func (e Engine) MarkQuotationRead(ctx context.Context, quotationID, actorID string) (domain.Quotation, error) {
	var q domain.Quotation
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		q, err = e.Repo.GetQuotation(ctx, tx, quotationID)
		if err != nil {
			return notFound(err, "quotation", quotationID)
		}
		job, err := e.Repo.GetJob(ctx, tx, q.JobID)
		if err != nil {
			return notFound(err, "job", q.JobID)
		}
		if job.OwnerID != actorID {
			return NotAllowedError{Op: "mark_quotation_read", Reason: "only the job owner reads quotations"}
		}
		changed, err := e.Repo.MarkQuotationRead(ctx, tx, quotationID, e.stamp())
		if err != nil || !changed {
			return err
		}
		q.ReadByClient = true
		return e.eventWriter().Append(ctx, tx, "quotation.read", "quotation", quotationID, actorID, domain.EventPayload{})
	})
	if err != nil {
		return domain.Quotation{}, err
	}
	return q, nil
}

// UnreadQuotations counts pending quotations the job owner has not opened.
func (e Engine) UnreadQuotations(ctx context.Context, jobID string) (int, error) {
	if _, err := e.GetJob(ctx, jobID); err != nil {
		return 0, err
	}
	return e.Repo.CountUnreadQuotations(ctx, jobID)
}

// LatestQuotations returns one quotation per provider: the most recent one,
// ties broken by id.
func (e Engine) LatestQuotations(ctx context.Context, jobID string) ([]domain.Quotation, error) {
	if _, err := e.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return e.Repo.LatestQuotations(ctx, jobID)
}

func (e Engine) ListQuotations(ctx context.Context, jobID string) ([]domain.Quotation, error) {
	if _, err := e.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return e.Repo.ListQuotations(ctx, jobID)
}

func (e Engine) GetQuotation(ctx context.Context, id string) (domain.Quotation, error) {
	q, err := e.Repo.GetQuotation(ctx, nil, id)
	return q, notFound(err, "quotation", id)
}
