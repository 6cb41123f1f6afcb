// Package notify delivers user-facing notifications produced by the engine.
// Delivery is best effort: callers log failures and never roll back on them.
package notify

//go:generate mockgen -source=notify.go -destination=mocks/mock_notify.go -package=mock_notify

import (
	"context"
	"errors"

	"bidline/internal/logger"
)

// Message types.
const (
	TypeJobInvited        = "job.invited"
	TypeQuotationReceived = "quotation.received"
	TypeQuotationAccepted = "quotation.accepted"
	TypeQuotationRejected = "quotation.rejected"
	TypeJobCanceled       = "job.canceled"
	TypeStartRequested    = "booking.start_requested"
	TypeBookingStarted    = "booking.started"
	TypeFinishRequested   = "booking.finish_requested"
	TypeBookingCompleted  = "booking.completed"
	TypeBookingCanceled   = "booking.canceled"
	TypeBookingExpired    = "booking.expired"
	TypeDisputeFiled      = "dispute.filed"
	TypeDisputeResolved   = "dispute.resolved"
	TypeReviewReceived    = "review.received"
	TypeWalletCredited    = "wallet.credited"
)

// Redirect tells the client app which screen to open.
type Redirect struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

type Message struct {
	UserID   string   `json:"user_id"`
	Type     string   `json:"type"`
	Title    string   `json:"title"`
	Body     string   `json:"body"`
	Redirect Redirect `json:"redirect"`
}

type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// LogNotifier writes messages to the structured log.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, msg Message) error {
	logger.Info(ctx, "notification",
		"user_id", msg.UserID,
		"type", msg.Type,
		"title", msg.Title,
		"redirect_kind", msg.Redirect.Kind,
		"redirect_id", msg.Redirect.ID,
	)
	return nil
}

// Multi fans a message out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, msg Message) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards every message.
type Nop struct{}

func (Nop) Notify(context.Context, Message) error { return nil }
