package domain

type JobState string

const (
	JobOpen    JobState = "open"
	JobBooked  JobState = "booked"
	JobClosed  JobState = "closed"
	JobExpired JobState = "expired"
)

type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// Answer is one posting question and the client's reply.
type Answer struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

type Job struct {
	ID                string     `json:"id"`
	OwnerID           string     `json:"owner_id"`
	ServiceID         string     `json:"service_id,omitempty"`
	CategoryID        string     `json:"category_id,omitempty"`
	AddressID         string     `json:"address_id,omitempty"`
	Price             int64      `json:"price"`
	State             JobState   `json:"state" enum:"open,booked,closed,expired"`
	Visibility        Visibility `json:"visibility" enum:"public,private"`
	AllowedProviders  []string   `json:"allowed_providers,omitempty"`
	Answers           []Answer   `json:"answers,omitempty"`
	CancelReason      string     `json:"cancel_reason,omitempty"`
	CancelDescription string     `json:"cancel_description,omitempty"`
	CreatedAt         string     `json:"created_at" format:"date-time"`
	UpdatedAt         string     `json:"updated_at" format:"date-time"`
}

// QuotationsOpen reports whether the job still accepts bids.
func (j Job) QuotationsOpen() bool { return j.State == JobOpen }

// Allows reports whether providerID may bid on the job.
func (j Job) Allows(providerID string) bool {
	if j.Visibility != VisibilityPrivate {
		return true
	}
	for _, p := range j.AllowedProviders {
		if p == providerID {
			return true
		}
	}
	return false
}

type QuotationStatus string

const (
	QuotationPending  QuotationStatus = "pending"
	QuotationAccepted QuotationStatus = "accepted"
	QuotationRejected QuotationStatus = "rejected"
)

type Quotation struct {
	ID           string          `json:"id"`
	JobID        string          `json:"job_id"`
	ProviderID   string          `json:"provider_id"`
	Amount       int64           `json:"amount"`
	WorkDate     string          `json:"work_date,omitempty" format:"date-time"`
	Note         string          `json:"note,omitempty"`
	Status       QuotationStatus `json:"status" enum:"pending,accepted,rejected"`
	ReadByClient bool            `json:"read_by_client"`
	RejectReason string          `json:"reject_reason,omitempty"`
	CreatedAt    string          `json:"created_at" format:"date-time"`
	UpdatedAt    string          `json:"updated_at" format:"date-time"`
}

type Role string

const (
	RoleClient   Role = "client"
	RoleProvider Role = "provider"
)

type Review struct {
	ID         string `json:"id"`
	BookingID  string `json:"booking_id"`
	ReviewerID string `json:"reviewer_id"`
	RevieweeID string `json:"reviewee_id"`
	Stars      int    `json:"stars" minimum:"1" maximum:"5"`
	Comment    string `json:"comment,omitempty"`
	CreatedAt  string `json:"created_at" format:"date-time"`
	UpdatedAt  string `json:"updated_at" format:"date-time"`
}

// RatingSummary is the incrementally maintained rating aggregate of a user.
type RatingSummary struct {
	UserID    string      `json:"user_id"`
	Count     int         `json:"count"`
	Sum       int         `json:"sum"`
	Average   float64     `json:"average"`
	Breakdown map[int]int `json:"breakdown,omitempty"`
}

type DisputeStatus string

const (
	DisputeOpen     DisputeStatus = "open"
	DisputeResolved DisputeStatus = "resolved"
)

type DisputeOutcome string

const (
	OutcomeResume   DisputeOutcome = "resume"
	OutcomeComplete DisputeOutcome = "complete"
	OutcomeCancel   DisputeOutcome = "cancel"
)

type Dispute struct {
	ID          string         `json:"id"`
	BookingID   string         `json:"booking_id"`
	FilerID     string         `json:"filer_id"`
	Reason      string         `json:"reason"`
	Description string         `json:"description,omitempty"`
	Status      DisputeStatus  `json:"status" enum:"open,resolved"`
	Outcome     DisputeOutcome `json:"outcome,omitempty"`
	Comment     string         `json:"comment,omitempty"`
	ResolvedBy  string         `json:"resolved_by,omitempty"`
	ResolvedAt  *string        `json:"resolved_at,omitempty" format:"date-time"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
}

// EventPayload is the typed body of an audit event. Only the fields relevant
// to the event type are set.
type EventPayload struct {
	From   string `json:"from,omitempty"`
	To     string `json:"to,omitempty"`
	Amount int64  `json:"amount,omitempty"`
	Count  int    `json:"count,omitempty"`
	Ref    string `json:"ref,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
