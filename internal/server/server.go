package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"bidline/internal/domain"
	"bidline/internal/engine"
	"bidline/internal/logger"
	"bidline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"insufficient_balance"`
	Message string         `json:"message" example:"insufficient balance for user u-1: have 50, need 80"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"balance\":50,\"amount\":80}"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// out wraps a response body.
type out[T any] struct {
	Body T `json:"body"`
}

func reply[T any](v T) *out[T] { return &out[T]{Body: v} }

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusPaymentRequired,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
}

var readErrors = []int{
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
}

// New returns an HTTP handler exposing the Bidline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(requestLogger)
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Bidline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	e := cfg.Engine
	registerDocs(router, basePath)
	registerHealth(group)
	registerMe(group)
	if cfg.Auth.EnableDevLogin {
		registerDevAuth(group, cfg.Auth)
	}
	registerJobs(group, e)
	registerQuotations(group, e)
	registerBookings(group, e)
	registerDisputes(group, e)
	registerReviews(group, e)
	registerWallets(group, e)
	registerEvents(group, e)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

// requestLogger tags each request with an id and logs its outcome.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		ctx := logger.WithRequestID(r.Context(), id)
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r.WithContext(ctx))
		logger.Info(ctx, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(ctx context.Context, err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	switch engine.KindOf(err) {
	case engine.KindNotFound:
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case engine.KindConflict:
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case engine.KindInsufficientBalance:
		var ie engine.InsufficientBalanceError
		errors.As(err, &ie)
		return newAPIError(http.StatusPaymentRequired, "insufficient_balance", err.Error(), map[string]any{
			"account": ie.Account,
			"balance": ie.Balance,
			"amount":  ie.Amount,
		})
	case engine.KindNotAllowed:
		var ne engine.NotAllowedError
		errors.As(err, &ne)
		return newAPIError(http.StatusForbidden, "not_allowed", err.Error(), map[string]any{"op": ne.Op})
	case engine.KindValidation:
		var ve engine.ValidationError
		errors.As(err, &ve)
		return newAPIError(http.StatusBadRequest, "validation_failed", err.Error(), map[string]any{"field": ve.Field})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return newAPIError(http.StatusServiceUnavailable, "canceled", err.Error(), nil)
	}
	logger.Error(ctx, "request failed", "err", err)
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusPaymentRequired:
		return "insufficient_balance"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["legacyActor"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Actor-Id",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"legacyActor": {}},
	}
	oas.Security = security
	public := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if public[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Bidline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt;.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*out[map[string]string], error) {
		return reply(map[string]string{"status": "ok"}), nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*out[WhoAmIResponse], error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return reply(WhoAmIResponse{
			ActorID: p.ActorID,
			Roles:   nonNilSlice(p.Roles),
			Admin:   p.IsAdmin(),
			Source:  p.Source,
		}), nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*out[DevLoginResponse], error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, input.Body.Roles)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return reply(DevLoginResponse{Token: token}), nil
	})
}

type jobPath struct {
	JobID string `path:"job_id"`
}

func registerJobs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "post-job",
		Method:        http.MethodPost,
		Path:          "/jobs",
		Summary:       "Post a job",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body PostJobRequest `json:"body"`
	}) (*out[domain.Job], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		job, err := e.PostJob(ctx, engine.PostJobOptions{
			ID:               input.Body.ID,
			OwnerID:          actorID,
			ServiceID:        input.Body.ServiceID,
			CategoryID:       input.Body.CategoryID,
			AddressID:        input.Body.AddressID,
			Price:            input.Body.Price,
			Visibility:       domain.Visibility(input.Body.Visibility),
			AllowedProviders: input.Body.AllowedProviders,
			Answers:          input.Body.Answers,
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(job), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List jobs",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		OwnerID string `query:"owner_id"`
		State   string `query:"state" enum:"open,booked,closed,expired"`
		Limit   int    `query:"limit" default:"50"`
	}) (*out[[]domain.Job], error) {
		items, err := e.ListJobs(ctx, repo.JobFilters{OwnerID: input.OwnerID, State: input.State, Limit: normalizeLimit(input.Limit)})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}",
		Summary:     "Get job",
		Errors:      readErrors,
	}, func(ctx context.Context, input *jobPath) (*out[domain.Job], error) {
		job, err := e.GetJob(ctx, input.JobID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(job), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job-booking",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/booking",
		Summary:     "Booking created for a job",
		Errors:      readErrors,
	}, func(ctx context.Context, input *jobPath) (*out[BookingResponse], error) {
		b, err := e.Repo.GetBookingByJob(ctx, nil, input.JobID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		if authErr := requireParty(ctx, b); authErr != nil {
			return nil, authErr
		}
		return reply(bookingResponse(b)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/cancel",
		Summary:     "Cancel an open job",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		JobID string           `path:"job_id"`
		Body  CancelJobRequest `json:"body"`
	}) (*out[domain.Job], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		job, err := e.CancelJob(ctx, input.JobID, input.Body.Reason, input.Body.Description, actorID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(job), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "expire-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/expire",
		Summary:     "Sweep: expire an open job",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *jobPath) (*out[domain.Job], error) {
		if _, authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		job, err := e.ExpireJob(ctx, input.JobID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(job), nil
	})
}

type quotationPath struct {
	QuotationID string `path:"quotation_id"`
}

func registerQuotations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-quotation",
		Method:        http.MethodPost,
		Path:          "/jobs/{job_id}/quotations",
		Summary:       "Submit a quotation",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		JobID string                 `path:"job_id"`
		Body  SubmitQuotationRequest `json:"body"`
	}) (*out[domain.Quotation], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		q, err := e.SubmitQuotation(ctx, engine.SubmitQuotationOptions{
			JobID:      input.JobID,
			ProviderID: actorID,
			Amount:     input.Body.Amount,
			WorkDate:   input.Body.WorkDate,
			Note:       input.Body.Note,
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(q), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-quotations",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/quotations",
		Summary:     "List quotations of a job",
		Description: "The job owner sees every quotation; providers see their own.",
		Errors:      readErrors,
	}, func(ctx context.Context, input *struct {
		JobID  string `path:"job_id"`
		Latest bool   `query:"latest" doc:"Only the most recent quotation of each provider"`
	}) (*out[[]domain.Quotation], error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		job, err := e.GetJob(ctx, input.JobID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		var items []domain.Quotation
		if input.Latest {
			items, err = e.LatestQuotations(ctx, input.JobID)
		} else {
			items, err = e.ListQuotations(ctx, input.JobID)
		}
		if err != nil {
			return nil, handleError(ctx, err)
		}
		if job.OwnerID != p.ActorID && !p.IsAdmin() {
			own := items[:0]
			for _, q := range items {
				if q.ProviderID == p.ActorID {
					own = append(own, q)
				}
			}
			items = own
		}
		return reply(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unread-quotations",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/quotations/unread",
		Summary:     "Count pending quotations the owner has not read",
		Errors:      readErrors,
	}, func(ctx context.Context, input *jobPath) (*out[UnreadResponse], error) {
		n, err := e.UnreadQuotations(ctx, input.JobID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(UnreadResponse{JobID: input.JobID, Unread: n}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "accept-quotation",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/quotations/{quotation_id}/accept",
		Summary:     "Accept a quotation and book the job",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		JobID       string `path:"job_id"`
		QuotationID string `path:"quotation_id"`
	}) (*out[BookingResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.AcceptQuotation(ctx, input.JobID, input.QuotationID, actorID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(bookingResponse(b)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-quotation",
		Method:      http.MethodGet,
		Path:        "/quotations/{quotation_id}",
		Summary:     "Get quotation",
		Errors:      readErrors,
	}, func(ctx context.Context, input *quotationPath) (*out[domain.Quotation], error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		q, err := e.GetQuotation(ctx, input.QuotationID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		if q.ProviderID != p.ActorID && !p.IsAdmin() {
			job, err := e.GetJob(ctx, q.JobID)
			if err != nil {
				return nil, handleError(ctx, err)
			}
			if job.OwnerID != p.ActorID {
				return nil, newAPIError(http.StatusForbidden, "forbidden", "not a party to the quotation", nil)
			}
		}
		return reply(q), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-quotation",
		Method:      http.MethodPost,
		Path:        "/quotations/{quotation_id}/reject",
		Summary:     "Reject a pending quotation",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		QuotationID string                  `path:"quotation_id"`
		Body        *RejectQuotationRequest `json:"body,omitempty"`
	}) (*out[domain.Quotation], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		reason := ""
		if input.Body != nil {
			reason = input.Body.Reason
		}
		q, err := e.RejectQuotation(ctx, input.QuotationID, reason, actorID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(q), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "read-quotation",
		Method:      http.MethodPost,
		Path:        "/quotations/{quotation_id}/read",
		Summary:     "Mark a quotation read by the job owner",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *quotationPath) (*out[domain.Quotation], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		q, err := e.MarkQuotationRead(ctx, input.QuotationID, actorID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(q), nil
	})
}

type bookingPath struct {
	BookingID string `path:"booking_id"`
}

// requireParty allows the booking's client, its provider and admins.
func requireParty(ctx context.Context, b domain.Booking) huma.StatusError {
	p, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return authErr
	}
	if _, ok := b.RoleOf(p.ActorID); ok || p.IsAdmin() {
		return nil
	}
	return newAPIError(http.StatusForbidden, "forbidden", "not a party to the booking", map[string]any{"booking_id": b.ID})
}

func registerBookings(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-bookings",
		Method:      http.MethodGet,
		Path:        "/bookings",
		Summary:     "List the caller's bookings",
		Description: "Admins may pass user_id to list another user's bookings.",
		Errors:      readErrors,
	}, func(ctx context.Context, input *struct {
		UserID string `query:"user_id"`
		State  string `query:"state" enum:"pending,running,completed,expired,dispute,canceled"`
		Limit  int    `query:"limit" default:"50"`
	}) (*out[[]BookingResponse], error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		userID := p.ActorID
		if input.UserID != "" {
			if _, authErr := requireSelfOrAdmin(ctx, input.UserID); authErr != nil {
				return nil, authErr
			}
			userID = input.UserID
		}
		items, err := e.ListBookings(ctx, repo.BookingFilters{UserID: userID, State: input.State, Limit: normalizeLimit(input.Limit)})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(mapBookings(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-booking",
		Method:      http.MethodGet,
		Path:        "/bookings/{booking_id}",
		Summary:     "Get booking",
		Errors:      readErrors,
	}, func(ctx context.Context, input *bookingPath) (*out[BookingResponse], error) {
		b, err := e.GetBooking(ctx, input.BookingID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		if authErr := requireParty(ctx, b); authErr != nil {
			return nil, authErr
		}
		return reply(bookingResponse(b)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "request-start",
		Method:      http.MethodPost,
		Path:        "/bookings/{booking_id}/start",
		Summary:     "Request to start the work",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *bookingPath) (*out[BookingResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.RequestStart(ctx, input.BookingID, actorID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(bookingResponse(b)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "request-finish",
		Method:      http.MethodPost,
		Path:        "/bookings/{booking_id}/finish",
		Summary:     "Request to finish the work",
		Description: "When both parties have asked, the booking completes and is settled.",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *bookingPath) (*out[BookingResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.RequestFinish(ctx, input.BookingID, actorID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(bookingResponse(b)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "expire-booking",
		Method:      http.MethodPost,
		Path:        "/bookings/{booking_id}/expire",
		Summary:     "Sweep: expire a booking whose work date passed",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *bookingPath) (*out[BookingResponse], error) {
		if _, authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		b, err := e.MarkExpired(ctx, input.BookingID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(bookingResponse(b)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "settle-booking",
		Method:      http.MethodPost,
		Path:        "/bookings/{booking_id}/settle",
		Summary:     "Settle a completed booking (idempotent)",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *bookingPath) (*out[domain.Settlement], error) {
		p, authErr := requireAdmin(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.SettleBooking(ctx, input.BookingID, p.ActorID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(s), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-settlement",
		Method:      http.MethodGet,
		Path:        "/bookings/{booking_id}/settlement",
		Summary:     "Settlement recorded for a booking",
		Errors:      readErrors,
	}, func(ctx context.Context, input *bookingPath) (*out[domain.Settlement], error) {
		b, err := e.GetBooking(ctx, input.BookingID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		if authErr := requireParty(ctx, b); authErr != nil {
			return nil, authErr
		}
		s, err := e.Settlement(ctx, input.BookingID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(s), nil
	})
}

type disputePath struct {
	DisputeID string `path:"dispute_id"`
}

func registerDisputes(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "file-dispute",
		Method:        http.MethodPost,
		Path:          "/bookings/{booking_id}/disputes",
		Summary:       "Open a dispute on a running booking",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		BookingID string             `path:"booking_id"`
		Body      FileDisputeRequest `json:"body"`
	}) (*out[domain.Dispute], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.FileDispute(ctx, engine.FileDisputeOptions{
			BookingID:   input.BookingID,
			FilerID:     actorID,
			Reason:      input.Body.Reason,
			Description: input.Body.Description,
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(d), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-booking-disputes",
		Method:      http.MethodGet,
		Path:        "/bookings/{booking_id}/disputes",
		Summary:     "Disputes of a booking",
		Errors:      readErrors,
	}, func(ctx context.Context, input *bookingPath) (*out[[]domain.Dispute], error) {
		b, err := e.GetBooking(ctx, input.BookingID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		if authErr := requireParty(ctx, b); authErr != nil {
			return nil, authErr
		}
		items, err := e.ListDisputes(ctx, b.ID, "")
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-disputes",
		Method:      http.MethodGet,
		Path:        "/disputes",
		Summary:     "Dispute queue",
		Errors:      readErrors,
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"open,resolved"`
	}) (*out[[]domain.Dispute], error) {
		if _, authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.ListDisputes(ctx, "", input.Status)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-dispute",
		Method:      http.MethodGet,
		Path:        "/disputes/{dispute_id}",
		Summary:     "Get dispute",
		Errors:      readErrors,
	}, func(ctx context.Context, input *disputePath) (*out[domain.Dispute], error) {
		d, err := e.GetDispute(ctx, input.DisputeID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		b, err := e.GetBooking(ctx, d.BookingID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		if authErr := requireParty(ctx, b); authErr != nil {
			return nil, authErr
		}
		return reply(d), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-dispute",
		Method:      http.MethodPost,
		Path:        "/disputes/{dispute_id}/resolve",
		Summary:     "Resolve a dispute",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		DisputeID string                `path:"dispute_id"`
		Body      ResolveDisputeRequest `json:"body"`
	}) (*out[ResolveDisputeResponse], error) {
		p, authErr := requireAdmin(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, b, err := e.ResolveDispute(ctx, engine.ResolveDisputeOptions{
			DisputeID: input.DisputeID,
			Outcome:   domain.DisputeOutcome(input.Body.Outcome),
			Comment:   input.Body.Comment,
			AdminID:   p.ActorID,
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(ResolveDisputeResponse{Dispute: d, Booking: bookingResponse(b)}), nil
	})
}

type userPath struct {
	UserID string `path:"user_id"`
}

func registerReviews(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "submit-review",
		Method:      http.MethodPost,
		Path:        "/bookings/{booking_id}/reviews",
		Summary:     "Rate the other party of a completed booking",
		Description: "Submitting again updates the existing review.",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		BookingID string              `path:"booking_id"`
		Body      SubmitReviewRequest `json:"body"`
	}) (*out[domain.Review], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rv, err := e.SubmitReview(ctx, engine.SubmitReviewOptions{
			BookingID:  input.BookingID,
			ReviewerID: actorID,
			RevieweeID: input.Body.RevieweeID,
			Stars:      input.Body.Stars,
			Comment:    input.Body.Comment,
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(rv), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-booking-reviews",
		Method:      http.MethodGet,
		Path:        "/bookings/{booking_id}/reviews",
		Summary:     "Reviews on a booking",
		Errors:      readErrors,
	}, func(ctx context.Context, input *bookingPath) (*out[[]domain.Review], error) {
		items, err := e.ListReviews(ctx, "", input.BookingID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-user-reviews",
		Method:      http.MethodGet,
		Path:        "/users/{user_id}/reviews",
		Summary:     "Reviews received by a user",
		Errors:      readErrors,
	}, func(ctx context.Context, input *userPath) (*out[[]domain.Review], error) {
		items, err := e.ListReviews(ctx, input.UserID, "")
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "user-rating",
		Method:      http.MethodGet,
		Path:        "/users/{user_id}/rating",
		Summary:     "Rating summary of a user",
		Errors:      readErrors,
	}, func(ctx context.Context, input *userPath) (*out[domain.RatingSummary], error) {
		s, err := e.RatingSummary(ctx, input.UserID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(s), nil
	})
}

func registerWallets(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-wallet",
		Method:      http.MethodGet,
		Path:        "/users/{user_id}/wallet",
		Summary:     "Wallet balances",
		Errors:      readErrors,
	}, func(ctx context.Context, input *userPath) (*out[domain.Wallet], error) {
		if _, authErr := requireSelfOrAdmin(ctx, input.UserID); authErr != nil {
			return nil, authErr
		}
		w, err := e.GetWallet(ctx, input.UserID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(w), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-transactions",
		Method:      http.MethodGet,
		Path:        "/users/{user_id}/wallet/transactions",
		Summary:     "Ledger rows, newest first",
		Errors:      readErrors,
	}, func(ctx context.Context, input *struct {
		UserID string `path:"user_id"`
		Limit  int    `query:"limit" default:"50"`
	}) (*out[[]domain.Transaction], error) {
		if _, authErr := requireSelfOrAdmin(ctx, input.UserID); authErr != nil {
			return nil, authErr
		}
		items, err := e.Transactions(ctx, input.UserID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-ledger",
		Method:      http.MethodGet,
		Path:        "/users/{user_id}/wallet/ledger-check",
		Summary:     "Compare cached balances with the ledger",
		Errors:      readErrors,
	}, func(ctx context.Context, input *userPath) (*out[domain.LedgerCheck], error) {
		if _, authErr := requireSelfOrAdmin(ctx, input.UserID); authErr != nil {
			return nil, authErr
		}
		check, err := e.VerifyLedger(ctx, input.UserID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(check), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-money",
		Method:        http.MethodPost,
		Path:          "/users/{user_id}/wallet/add-money",
		Summary:       "Top up a wallet",
		Description:   "Non-admins may only create pending top-ups, completed later by the payment gateway.",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		UserID string          `path:"user_id"`
		Body   AddMoneyRequest `json:"body"`
	}) (*out[domain.Transaction], error) {
		p, authErr := requireSelfOrAdmin(ctx, input.UserID)
		if authErr != nil {
			return nil, authErr
		}
		if !input.Body.Pending && !p.IsAdmin() {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "direct top-ups require the admin role", nil)
		}
		t, err := e.AddMoney(ctx, input.UserID, input.Body.Amount, input.Body.Pending)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "withdraw",
		Method:        http.MethodPost,
		Path:          "/users/{user_id}/wallet/withdraw",
		Summary:       "Withdraw from the balance",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		UserID string          `path:"user_id"`
		Body   WithdrawRequest `json:"body"`
	}) (*out[domain.Transaction], error) {
		if _, authErr := requireSelfOrAdmin(ctx, input.UserID); authErr != nil {
			return nil, authErr
		}
		t, err := e.Withdraw(ctx, input.UserID, input.Body.Amount)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "purchase-credit",
		Method:        http.MethodPost,
		Path:          "/users/{user_id}/wallet/purchase-credit",
		Summary:       "Buy credits with the balance",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		UserID string                `path:"user_id"`
		Body   PurchaseCreditRequest `json:"body"`
	}) (*out[[]domain.Transaction], error) {
		if _, authErr := requireSelfOrAdmin(ctx, input.UserID); authErr != nil {
			return nil, authErr
		}
		rows, err := e.PurchaseCredit(ctx, input.UserID, input.Body.Price, input.Body.Credits)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(rows), nil
	})

	type txPath struct {
		TransactionID string `path:"transaction_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "confirm-transaction",
		Method:      http.MethodPost,
		Path:        "/transactions/{transaction_id}/confirm",
		Summary:     "Complete a pending transaction",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *txPath) (*out[domain.Transaction], error) {
		p, authErr := requireAdmin(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.ConfirmTransaction(ctx, input.TransactionID, p.ActorID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "fail-transaction",
		Method:      http.MethodPost,
		Path:        "/transactions/{transaction_id}/fail",
		Summary:     "Fail a pending transaction",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *txPath) (*out[domain.Transaction], error) {
		p, authErr := requireAdmin(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.FailTransaction(ctx, input.TransactionID, p.ActorID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "refund",
		Method:        http.MethodPost,
		Path:          "/refunds",
		Summary:       "Credit a refund to a user",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body RefundRequest `json:"body"`
	}) (*out[domain.Transaction], error) {
		p, authErr := requireAdmin(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.Refund(ctx, input.Body.UserID, input.Body.Amount, input.Body.BookingID, p.ActorID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(t), nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Description: "Non-admins only see events they caused.",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"job,quotation,booking,dispute,review,transaction"`
		EntityID   string `query:"entity_id"`
		ActorID    string `query:"actor_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*out[paginatedEvents], error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		filters := repo.EventFilters{
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			ActorID:    input.ActorID,
		}
		if !p.IsAdmin() {
			filters.ActorID = p.ActorID
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursorID, filters)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return reply(resp), nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
