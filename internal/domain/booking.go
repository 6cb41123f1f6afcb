package domain

type BookingState string

const (
	BookingPending   BookingState = "pending"
	BookingRunning   BookingState = "running"
	BookingCompleted BookingState = "completed"
	BookingExpired   BookingState = "expired"
	BookingDispute   BookingState = "dispute"
	BookingCanceled  BookingState = "canceled"
)

// RequestWorkState is the legacy request-progress view of a booking.
type RequestWorkState string

const (
	RequestNone      RequestWorkState = "NONE"
	RequestStart     RequestWorkState = "REQUEST_START"
	RequestRunning   RequestWorkState = "RUNNING"
	RequestFinish    RequestWorkState = "REQUEST_FINISH"
	RequestCompleted RequestWorkState = "COMPLETED"
)

// Booking is the engagement created when a quotation is accepted. State is the
// only lifecycle field; the handshake marks record which party has asked to
// move the booking into the next phase.
type Booking struct {
	ID                      string       `json:"id"`
	JobID                   string       `json:"job_id"`
	QuotationID             string       `json:"quotation_id"`
	ClientID                string       `json:"client_id"`
	ProviderID              string       `json:"provider_id"`
	State                   BookingState `json:"state" enum:"pending,running,completed,expired,dispute,canceled"`
	StateBeforeDispute      BookingState `json:"state_before_dispute,omitempty"`
	StartRequestedClient    bool         `json:"start_requested_client"`
	StartRequestedProvider  bool         `json:"start_requested_provider"`
	FinishRequestedClient   bool         `json:"finish_requested_client"`
	FinishRequestedProvider bool         `json:"finish_requested_provider"`
	TotalTryingToStart      int          `json:"total_trying_to_start"`
	TotalTryingToFinish     int          `json:"total_trying_to_finish"`
	FinalPrice              int64        `json:"final_price"`
	WorkDate                string       `json:"work_date,omitempty" format:"date-time"`
	CompletedAt             *string      `json:"completed_at,omitempty" format:"date-time"`
	SettledAt               *string      `json:"settled_at,omitempty" format:"date-time"`
	CancelReason            string       `json:"cancel_reason,omitempty"`
	Version                 int          `json:"version"`
	CreatedAt               string       `json:"created_at" format:"date-time"`
	UpdatedAt               string       `json:"updated_at" format:"date-time"`
}

// RoleOf returns the role userID plays in the booking.
func (b Booking) RoleOf(userID string) (Role, bool) {
	switch userID {
	case "":
		return "", false
	case b.ClientID:
		return RoleClient, true
	case b.ProviderID:
		return RoleProvider, true
	}
	return "", false
}

// Counterparty returns the other party of the booking.
func (b Booking) Counterparty(userID string) string {
	if userID == b.ClientID {
		return b.ProviderID
	}
	return b.ClientID
}

// RequestWorkState derives the legacy request view from the canonical state.
func (b Booking) RequestWorkState() RequestWorkState {
	state := b.State
	if state == BookingDispute {
		state = b.StateBeforeDispute
	}
	switch state {
	case BookingPending:
		if b.StartRequestedClient || b.StartRequestedProvider {
			return RequestStart
		}
		return RequestNone
	case BookingRunning:
		if b.FinishRequestedClient || b.FinishRequestedProvider {
			return RequestFinish
		}
		return RequestRunning
	case BookingCompleted:
		return RequestCompleted
	}
	return RequestNone
}

// WorkState derives the coarse progress view: not_started, in_progress or done.
func (b Booking) WorkState() string {
	switch b.State {
	case BookingRunning, BookingDispute:
		return "in_progress"
	case BookingCompleted:
		return "done"
	}
	return "not_started"
}

// Settled reports whether the settlement for the booking has been recorded.
func (b Booking) Settled() bool { return b.SettledAt != nil }
