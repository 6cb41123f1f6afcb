package bidlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Bidline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no token is set. Servers only honour
	// it when legacy actor headers are enabled.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// As returns a copy of the client acting as actorID through the legacy header.
func (c *Client) As(actorID string) *Client {
	cp := *c
	cp.BearerToken = ""
	cp.ActorID = actorID
	return &cp
}

// Job represents the API job model (partial).
type Job struct {
	ID         string `json:"id"`
	OwnerID    string `json:"owner_id"`
	ServiceID  string `json:"service_id,omitempty"`
	Price      int64  `json:"price"`
	State      string `json:"state"`
	Visibility string `json:"visibility"`
	CreatedAt  string `json:"created_at"`
}

type Quotation struct {
	ID         string `json:"id"`
	JobID      string `json:"job_id"`
	ProviderID string `json:"provider_id"`
	Amount     int64  `json:"amount"`
	WorkDate   string `json:"work_date,omitempty"`
	Status     string `json:"status"`
}

// Booking carries the booking state plus the derived progress views.
type Booking struct {
	ID               string  `json:"id"`
	JobID            string  `json:"job_id"`
	QuotationID      string  `json:"quotation_id"`
	ClientID         string  `json:"client_id"`
	ProviderID       string  `json:"provider_id"`
	State            string  `json:"state"`
	FinalPrice       int64   `json:"final_price"`
	WorkDate         string  `json:"work_date,omitempty"`
	SettledAt        *string `json:"settled_at,omitempty"`
	RequestWorkState string  `json:"request_work_state"`
	WorkState        string  `json:"work_state"`
}

type Dispute struct {
	ID        string `json:"id"`
	BookingID string `json:"booking_id"`
	FilerID   string `json:"filer_id"`
	Reason    string `json:"reason"`
	Status    string `json:"status"`
	Outcome   string `json:"outcome,omitempty"`
}

type Review struct {
	ID         string `json:"id"`
	BookingID  string `json:"booking_id"`
	ReviewerID string `json:"reviewer_id"`
	RevieweeID string `json:"reviewee_id"`
	Stars      int    `json:"stars"`
	Comment    string `json:"comment,omitempty"`
}

type Rating struct {
	UserID  string  `json:"user_id"`
	Count   int     `json:"count"`
	Average float64 `json:"average"`
}

type Wallet struct {
	UserID        string `json:"user_id"`
	Balance       int64  `json:"balance"`
	CreditBalance int64  `json:"credit_balance"`
}

type Transaction struct {
	ID        string `json:"id"`
	Account   string `json:"account"`
	Amount    int64  `json:"amount"`
	Type      string `json:"type"`
	Status    string `json:"status"`
	BookingID string `json:"booking_id,omitempty"`
}

type Settlement struct {
	BookingID    string        `json:"booking_id"`
	SettledAt    string        `json:"settled_at"`
	Transactions []Transaction `json:"transactions"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PostJob posts a public job owned by the caller.
func (c *Client) PostJob(ctx context.Context, serviceID string, price int64) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPost, "jobs", map[string]any{"service_id": serviceID, "price": price}, &resp)
	return resp, err
}

func (c *Client) GetJob(ctx context.Context, jobID string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodGet, "jobs/"+url.PathEscape(jobID), nil, &resp)
	return resp, err
}

func (c *Client) CancelJob(ctx context.Context, jobID, reason, description string) (Job, error) {
	var resp Job
	body := map[string]any{"reason": reason, "description": description}
	err := c.do(ctx, http.MethodPost, "jobs/"+url.PathEscape(jobID)+"/cancel", body, &resp)
	return resp, err
}

// SubmitQuotation bids on a job as the caller.
func (c *Client) SubmitQuotation(ctx context.Context, jobID string, amount int64, workDate string) (Quotation, error) {
	var resp Quotation
	body := map[string]any{"amount": amount, "work_date": workDate}
	err := c.do(ctx, http.MethodPost, "jobs/"+url.PathEscape(jobID)+"/quotations", body, &resp)
	return resp, err
}

func (c *Client) Quotations(ctx context.Context, jobID string, latest bool) ([]Quotation, error) {
	var resp []Quotation
	endpoint := "jobs/" + url.PathEscape(jobID) + "/quotations"
	if latest {
		endpoint += "?latest=true"
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) RejectQuotation(ctx context.Context, quotationID, reason string) (Quotation, error) {
	var resp Quotation
	err := c.do(ctx, http.MethodPost, "quotations/"+url.PathEscape(quotationID)+"/reject", map[string]any{"reason": reason}, &resp)
	return resp, err
}

// AcceptQuotation books the job with the given quotation.
func (c *Client) AcceptQuotation(ctx context.Context, jobID, quotationID string) (Booking, error) {
	var resp Booking
	endpoint := fmt.Sprintf("jobs/%s/quotations/%s/accept", url.PathEscape(jobID), url.PathEscape(quotationID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) GetBooking(ctx context.Context, bookingID string) (Booking, error) {
	var resp Booking
	err := c.do(ctx, http.MethodGet, "bookings/"+url.PathEscape(bookingID), nil, &resp)
	return resp, err
}

func (c *Client) Bookings(ctx context.Context, state string) ([]Booking, error) {
	var resp []Booking
	endpoint := "bookings"
	if state != "" {
		endpoint += "?state=" + url.QueryEscape(state)
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// RequestStart records the caller's half of the start handshake.
func (c *Client) RequestStart(ctx context.Context, bookingID string) (Booking, error) {
	var resp Booking
	err := c.do(ctx, http.MethodPost, "bookings/"+url.PathEscape(bookingID)+"/start", nil, &resp)
	return resp, err
}

// RequestFinish records the caller's half of the finish handshake.
func (c *Client) RequestFinish(ctx context.Context, bookingID string) (Booking, error) {
	var resp Booking
	err := c.do(ctx, http.MethodPost, "bookings/"+url.PathEscape(bookingID)+"/finish", nil, &resp)
	return resp, err
}

func (c *Client) Settlement(ctx context.Context, bookingID string) (Settlement, error) {
	var resp Settlement
	err := c.do(ctx, http.MethodGet, "bookings/"+url.PathEscape(bookingID)+"/settlement", nil, &resp)
	return resp, err
}

func (c *Client) FileDispute(ctx context.Context, bookingID, reason, description string) (Dispute, error) {
	var resp Dispute
	body := map[string]any{"reason": reason, "description": description}
	err := c.do(ctx, http.MethodPost, "bookings/"+url.PathEscape(bookingID)+"/disputes", body, &resp)
	return resp, err
}

// ResolveDispute requires an admin principal.
func (c *Client) ResolveDispute(ctx context.Context, disputeID, outcome, comment string) (Dispute, Booking, error) {
	var resp struct {
		Dispute Dispute `json:"dispute"`
		Booking Booking `json:"booking"`
	}
	body := map[string]any{"outcome": outcome, "comment": comment}
	err := c.do(ctx, http.MethodPost, "disputes/"+url.PathEscape(disputeID)+"/resolve", body, &resp)
	return resp.Dispute, resp.Booking, err
}

func (c *Client) SubmitReview(ctx context.Context, bookingID, revieweeID string, stars int, comment string) (Review, error) {
	var resp Review
	body := map[string]any{"reviewee_id": revieweeID, "stars": stars, "comment": comment}
	err := c.do(ctx, http.MethodPost, "bookings/"+url.PathEscape(bookingID)+"/reviews", body, &resp)
	return resp, err
}

func (c *Client) Rating(ctx context.Context, userID string) (Rating, error) {
	var resp Rating
	err := c.do(ctx, http.MethodGet, "users/"+url.PathEscape(userID)+"/rating", nil, &resp)
	return resp, err
}

func (c *Client) Wallet(ctx context.Context, userID string) (Wallet, error) {
	var resp Wallet
	err := c.do(ctx, http.MethodGet, "users/"+url.PathEscape(userID)+"/wallet", nil, &resp)
	return resp, err
}

func (c *Client) Transactions(ctx context.Context, userID string, limit int) ([]Transaction, error) {
	var resp []Transaction
	endpoint := "users/" + url.PathEscape(userID) + "/wallet/transactions"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// AddMoney tops up a wallet. Only admins may create completed top-ups.
func (c *Client) AddMoney(ctx context.Context, userID string, amount int64, pending bool) (Transaction, error) {
	var resp Transaction
	body := map[string]any{"amount": amount, "pending": pending}
	err := c.do(ctx, http.MethodPost, "users/"+url.PathEscape(userID)+"/wallet/add-money", body, &resp)
	return resp, err
}

func (c *Client) Withdraw(ctx context.Context, userID string, amount int64) (Transaction, error) {
	var resp Transaction
	err := c.do(ctx, http.MethodPost, "users/"+url.PathEscape(userID)+"/wallet/withdraw", map[string]any{"amount": amount}, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
