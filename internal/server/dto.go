package server

import (
	"encoding/json"

	"bidline/internal/domain"
)

// Request payloads

type PostJobRequest struct {
	ID               string          `json:"id,omitempty"`
	ServiceID        string          `json:"service_id,omitempty"`
	CategoryID       string          `json:"category_id,omitempty"`
	AddressID        string          `json:"address_id,omitempty"`
	Price            int64           `json:"price" minimum:"0"`
	Visibility       string          `json:"visibility,omitempty" enum:"public,private"`
	AllowedProviders []string        `json:"allowed_providers,omitempty"`
	Answers          []domain.Answer `json:"answers,omitempty"`
}

type CancelJobRequest struct {
	Reason      string `json:"reason"`
	Description string `json:"description,omitempty"`
}

type SubmitQuotationRequest struct {
	Amount   int64  `json:"amount"`
	WorkDate string `json:"work_date,omitempty" format:"date-time"`
	Note     string `json:"note,omitempty"`
}

type RejectQuotationRequest struct {
	Reason string `json:"reason,omitempty"`
}

type FileDisputeRequest struct {
	Reason      string `json:"reason"`
	Description string `json:"description,omitempty"`
}

type ResolveDisputeRequest struct {
	Outcome string `json:"outcome" enum:"resume,complete,cancel"`
	Comment string `json:"comment,omitempty"`
}

type SubmitReviewRequest struct {
	RevieweeID string `json:"reviewee_id"`
	Stars      int    `json:"stars"`
	Comment    string `json:"comment,omitempty"`
}

type AddMoneyRequest struct {
	Amount  int64 `json:"amount"`
	Pending bool  `json:"pending,omitempty"`
}

type WithdrawRequest struct {
	Amount int64 `json:"amount"`
}

type PurchaseCreditRequest struct {
	Price   int64 `json:"price"`
	Credits int64 `json:"credits"`
}

type RefundRequest struct {
	UserID    string `json:"user_id"`
	Amount    int64  `json:"amount"`
	BookingID string `json:"booking_id,omitempty"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

// Response payloads

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles"`
	Admin   bool     `json:"admin"`
	Source  string   `json:"source"`
}

// BookingResponse adds the derived progress views to a booking.
type BookingResponse struct {
	domain.Booking
	RequestWorkState domain.RequestWorkState `json:"request_work_state" enum:"NONE,REQUEST_START,RUNNING,REQUEST_FINISH,COMPLETED"`
	WorkState        string                  `json:"work_state" enum:"not_started,in_progress,done"`
}

type ResolveDisputeResponse struct {
	Dispute domain.Dispute  `json:"dispute"`
	Booking BookingResponse `json:"booking"`
}

type UnreadResponse struct {
	JobID  string `json:"job_id"`
	Unread int    `json:"unread"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func bookingResponse(b domain.Booking) BookingResponse {
	return BookingResponse{
		Booking:          b,
		RequestWorkState: b.RequestWorkState(),
		WorkState:        b.WorkState(),
	}
}

func mapBookings(items []domain.Booking) []BookingResponse {
	out := make([]BookingResponse, 0, len(items))
	for _, b := range items {
		out = append(out, bookingResponse(b))
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{"raw": raw}
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
