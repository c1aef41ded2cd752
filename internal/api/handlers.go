// Package api is the HTTP facade over the credit core. Handlers parse and
// validate, dispatch to the injected services, and map the error taxonomy to
// stable machine-readable codes; no business logic lives here.
package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/glintlabs/creditcore/internal/jobs"
	"github.com/glintlabs/creditcore/internal/ledger"
	"github.com/glintlabs/creditcore/internal/models"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "credit_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "credit_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

// LedgerService is the slice of the ledger engine the facade needs.
type LedgerService interface {
	Debit(ctx context.Context, accountID, amount int64, reason models.Reason) (int64, error)
	Credit(ctx context.Context, accountID, amount int64, reason models.Reason, externalRef string) (int64, error)
}

// JobService drives the generation job lifecycle.
type JobService interface {
	Create(ctx context.Context, accountID, cost int64, params json.RawMessage, idemKey, requestHash string) (*jobs.CreateResult, error)
	MarkProcessing(ctx context.Context, jobID, providerRef string) error
	Complete(ctx context.Context, jobID, resultRef string) error
	Fail(ctx context.Context, jobID, reason string) (bool, error)
	Cancel(ctx context.Context, jobID string) (bool, error)
	Get(ctx context.Context, jobID string) (*models.Job, error)
	List(ctx context.Context, accountID int64, limit, offset int) ([]models.Job, error)
}

// TrustService evaluates device onboarding.
type TrustService interface {
	Onboard(ctx context.Context, deviceID string, accountID int64, rawToken string) (*models.Evaluation, bool, error)
	Get(ctx context.Context, deviceID string) (*models.DeviceTrustRecord, error)
}

// AccountStore is account persistence as seen by the facade.
type AccountStore interface {
	CreateAccount(ctx context.Context, guest bool) (*models.Account, error)
	GetAccount(ctx context.Context, id int64) (*models.Account, error)
	PromoteGuest(ctx context.Context, id int64) error
	GetEntries(ctx context.Context, accountID int64, limit, offset int) ([]models.LedgerEntry, error)
}

type Handler struct {
	accounts AccountStore
	ledger   LedgerService
	jobs     JobService
	trust    TrustService
	log      zerolog.Logger
}

func NewHandler(accounts AccountStore, ledger LedgerService, jobs JobService, trust TrustService, log zerolog.Logger) *Handler {
	return &Handler{
		accounts: accounts,
		ledger:   ledger,
		jobs:     jobs,
		trust:    trust,
		log:      log.With().Str("component", "api").Logger(),
	}
}

// Register mounts all routes on the router. The onboarding route carries the
// per-device token-bucket backstop.
func (h *Handler) Register(r *mux.Router, onboardLimiter mux.MiddlewareFunc) {
	v1 := r.PathPrefix("/api/v1").Subrouter()

	v1.HandleFunc("/accounts", h.CreateAccount).Methods(http.MethodPost)
	v1.HandleFunc("/accounts/{id}", h.GetAccount).Methods(http.MethodGet)
	v1.HandleFunc("/accounts/{id}/register", h.RegisterAccount).Methods(http.MethodPost)
	v1.HandleFunc("/accounts/{id}/entries", h.GetEntries).Methods(http.MethodGet)
	v1.HandleFunc("/accounts/{id}/credits", h.PurchaseCredits).Methods(http.MethodPost)

	v1.HandleFunc("/generations", h.CreateGeneration).Methods(http.MethodPost)
	v1.HandleFunc("/generations", h.ListGenerations).Methods(http.MethodGet)
	v1.HandleFunc("/generations/{id}", h.GetGeneration).Methods(http.MethodGet)
	v1.HandleFunc("/generations/{id}/events", h.GenerationEvent).Methods(http.MethodPost)
	v1.HandleFunc("/generations/{id}/cancel", h.CancelGeneration).Methods(http.MethodPost)

	onboard := v1.PathPrefix("/devices").Subrouter()
	if onboardLimiter != nil {
		onboard.Use(onboardLimiter)
	}
	onboard.HandleFunc("/onboard", h.OnboardDevice).Methods(http.MethodPost)
	v1.HandleFunc("/devices/{id}/trust", h.GetDeviceTrust).Methods(http.MethodGet)
}

func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Guest *bool `json:"guest"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.respondError(w, r, "/accounts", http.StatusBadRequest, "bad_request", "Malformed JSON body", nil)
		return
	}
	guest := true
	if req.Guest != nil {
		guest = *req.Guest
	}

	acc, err := h.accounts.CreateAccount(r.Context(), guest)
	if err != nil {
		h.respondServiceError(w, r, "/accounts", err)
		return
	}
	h.respondJSON(w, r, "/accounts", http.StatusCreated, acc)
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, h, "/accounts/{id}")
	if !ok {
		return
	}
	acc, err := h.accounts.GetAccount(r.Context(), id)
	if err != nil {
		h.respondServiceError(w, r, "/accounts/{id}", err)
		return
	}
	h.respondJSON(w, r, "/accounts/{id}", http.StatusOK, acc)
}

func (h *Handler) RegisterAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, h, "/accounts/{id}/register")
	if !ok {
		return
	}
	if err := h.accounts.PromoteGuest(r.Context(), id); err != nil {
		h.respondServiceError(w, r, "/accounts/{id}/register", err)
		return
	}
	h.respondJSON(w, r, "/accounts/{id}/register", http.StatusOK, map[string]bool{"registered": true})
}

func (h *Handler) GetEntries(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, h, "/accounts/{id}/entries")
	if !ok {
		return
	}
	limit, offset := pagination(r)
	entries, err := h.accounts.GetEntries(r.Context(), id, limit, offset)
	if err != nil {
		h.respondServiceError(w, r, "/accounts/{id}/entries", err)
		return
	}
	h.respondJSON(w, r, "/accounts/{id}/entries", http.StatusOK, entries)
}

// PurchaseCredits posts a purchase (or admin adjustment) through the ledger.
// The external_ref carries the payment provider's transaction id; replays of
// the same confirmation are rejected as duplicates.
func (h *Handler) PurchaseCredits(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/accounts/{id}/credits"
	id, ok := pathID(w, r, h, endpoint)
	if !ok {
		return
	}

	var req struct {
		Amount      int64  `json:"amount"`
		Reason      string `json:"reason"`
		ExternalRef string `json:"external_ref"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, r, endpoint, http.StatusBadRequest, "bad_request", "Malformed JSON body", nil)
		return
	}
	if req.Amount <= 0 {
		h.respondError(w, r, endpoint, http.StatusUnprocessableEntity, "invalid_amount", "Positive amount required", nil)
		return
	}

	reason := models.ReasonPurchase
	if req.Reason == string(models.ReasonAdminAdjustment) {
		reason = models.ReasonAdminAdjustment
	}

	balance, err := h.ledger.Credit(r.Context(), id, req.Amount, reason, req.ExternalRef)
	if err != nil {
		h.respondServiceError(w, r, endpoint, err)
		return
	}
	h.respondJSON(w, r, endpoint, http.StatusCreated, map[string]int64{
		"balance": balance,
		"added":   req.Amount,
	})
}

func (h *Handler) CreateGeneration(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/generations"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	idemKey := r.Header.Get("Idempotency-Key")
	if idemKey == "" {
		h.respondError(w, r, endpoint, http.StatusBadRequest, "missing_idempotency_key", "Missing Idempotency-Key header", nil)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.respondError(w, r, endpoint, http.StatusInternalServerError, "internal", "Stream read error", nil)
		return
	}
	hash := sha256.Sum256(body)
	requestHash := hex.EncodeToString(hash[:])

	var req struct {
		AccountID int64           `json:"account_id"`
		Cost      int64           `json:"cost"`
		Params    json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		h.respondError(w, r, endpoint, http.StatusBadRequest, "bad_request", "Malformed JSON body", nil)
		return
	}
	if req.Cost <= 0 {
		h.respondError(w, r, endpoint, http.StatusUnprocessableEntity, "invalid_amount", "Positive cost required", nil)
		return
	}

	res, err := h.jobs.Create(r.Context(), req.AccountID, req.Cost, req.Params, idemKey, requestHash)
	if err != nil {
		h.respondServiceError(w, r, endpoint, err)
		return
	}

	if res.Replayed {
		// Replay the cached response verbatim, original status included.
		httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(res.CachedStatus)).Inc()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(res.CachedStatus)
		w.Write(res.CachedBody)
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/api/v1/generations/%s", res.Job.ID))
	h.respondJSON(w, r, endpoint, http.StatusCreated, map[string]any{
		"job":     res.Job,
		"balance": res.Balance,
	})
}

func (h *Handler) ListGenerations(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/generations"
	accountID, err := strconv.ParseInt(r.URL.Query().Get("account_id"), 10, 64)
	if err != nil {
		h.respondError(w, r, endpoint, http.StatusBadRequest, "bad_request", "account_id query parameter required", nil)
		return
	}
	limit, offset := pagination(r)

	list, err := h.jobs.List(r.Context(), accountID, limit, offset)
	if err != nil {
		h.respondServiceError(w, r, endpoint, err)
		return
	}
	h.respondJSON(w, r, endpoint, http.StatusOK, list)
}

func (h *Handler) GetGeneration(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/generations/{id}"
	job, err := h.jobs.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondServiceError(w, r, endpoint, err)
		return
	}
	h.respondJSON(w, r, endpoint, http.StatusOK, job)
}

// GenerationEvent is the provider integration point: processing, completed
// and failed callbacks all land here.
func (h *Handler) GenerationEvent(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/generations/{id}/events"
	jobID := mux.Vars(r)["id"]

	var req struct {
		Type        string `json:"type"`
		ProviderRef string `json:"provider_ref"`
		ResultRef   string `json:"result_ref"`
		Reason      string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, r, endpoint, http.StatusBadRequest, "bad_request", "Malformed JSON body", nil)
		return
	}

	switch req.Type {
	case "processing":
		if err := h.jobs.MarkProcessing(r.Context(), jobID, req.ProviderRef); err != nil {
			h.respondServiceError(w, r, endpoint, err)
			return
		}
		h.respondJSON(w, r, endpoint, http.StatusOK, map[string]string{"state": string(models.JobProcessing)})
	case "completed":
		if err := h.jobs.Complete(r.Context(), jobID, req.ResultRef); err != nil {
			h.respondServiceError(w, r, endpoint, err)
			return
		}
		h.respondJSON(w, r, endpoint, http.StatusOK, map[string]string{"state": string(models.JobCompleted)})
	case "failed":
		refunded, err := h.jobs.Fail(r.Context(), jobID, req.Reason)
		if err != nil {
			h.respondServiceError(w, r, endpoint, err)
			return
		}
		h.respondJSON(w, r, endpoint, http.StatusOK, map[string]any{
			"state":    models.JobFailed,
			"refunded": refunded,
		})
	default:
		h.respondError(w, r, endpoint, http.StatusUnprocessableEntity, "invalid_event", "Event type must be processing, completed or failed", nil)
	}
}

func (h *Handler) CancelGeneration(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/generations/{id}/cancel"
	refunded, err := h.jobs.Cancel(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondServiceError(w, r, endpoint, err)
		return
	}
	h.respondJSON(w, r, endpoint, http.StatusOK, map[string]any{
		"state":    models.JobCancelled,
		"refunded": refunded,
	})
}

func (h *Handler) OnboardDevice(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/devices/onboard"
	var req struct {
		DeviceID         string `json:"device_id"`
		AccountID        int64  `json:"account_id"`
		AttestationToken string `json:"attestation_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, r, endpoint, http.StatusBadRequest, "bad_request", "Malformed JSON body", nil)
		return
	}
	if req.DeviceID == "" {
		h.respondError(w, r, endpoint, http.StatusUnprocessableEntity, "missing_device_id", "device_id required", nil)
		return
	}

	eval, granted, err := h.trust.Onboard(r.Context(), req.DeviceID, req.AccountID, req.AttestationToken)
	if err != nil {
		h.respondServiceError(w, r, endpoint, err)
		return
	}
	h.respondJSON(w, r, endpoint, http.StatusOK, map[string]any{
		"evaluation": eval,
		"granted":    granted,
	})
}

func (h *Handler) GetDeviceTrust(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/devices/{id}/trust"
	rec, err := h.trust.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondServiceError(w, r, endpoint, err)
		return
	}
	h.respondJSON(w, r, endpoint, http.StatusOK, rec)
}

// errorResponse is the wire shape for every failure: a stable code plus
// structured details, never a string the client has to parse further.
type errorResponse struct {
	Error   string         `json:"error"`
	Code    string         `json:"code"`
	Details map[string]any `json:"details,omitempty"`
}

// respondServiceError maps the core error taxonomy to HTTP.
func (h *Handler) respondServiceError(w http.ResponseWriter, r *http.Request, endpoint string, err error) {
	var insufficient *models.InsufficientFundsError
	var invalid *models.InvalidTransitionError
	var limited *models.RateLimitedError

	switch {
	case errors.As(err, &insufficient):
		h.respondError(w, r, endpoint, http.StatusUnprocessableEntity, "insufficient_funds", "Insufficient funds", map[string]any{
			"balance":   insufficient.Balance,
			"shortfall": insufficient.Shortfall,
		})
	case errors.As(err, &limited):
		h.respondError(w, r, endpoint, http.StatusTooManyRequests, "rate_limited", "Too many onboarding requests", map[string]any{
			"limit":    limited.Limit,
			"reset_at": limited.ResetAt,
		})
	case errors.As(err, &invalid):
		h.respondError(w, r, endpoint, http.StatusUnprocessableEntity, "invalid_transition", "Invalid job state transition", map[string]any{
			"from": invalid.From,
			"to":   invalid.To,
		})
	case errors.Is(err, models.ErrAccountNotFound):
		h.respondError(w, r, endpoint, http.StatusNotFound, "account_not_found", "Account not found", nil)
	case errors.Is(err, models.ErrJobNotFound):
		h.respondError(w, r, endpoint, http.StatusNotFound, "job_not_found", "Job not found", nil)
	case errors.Is(err, models.ErrDeviceNotFound):
		h.respondError(w, r, endpoint, http.StatusNotFound, "device_not_found", "Device not found", nil)
	case errors.Is(err, models.ErrDuplicateTransaction):
		h.respondError(w, r, endpoint, http.StatusConflict, "duplicate_transaction", "Transaction reference already posted", nil)
	case errors.Is(err, models.ErrRequestInProgress):
		h.respondError(w, r, endpoint, http.StatusConflict, "request_in_progress", "Request processing in progress", nil)
	case errors.Is(err, models.ErrKeyPayloadMismatch):
		h.respondError(w, r, endpoint, http.StatusUnprocessableEntity, "key_payload_mismatch", "Idempotency key reused with a different payload", nil)
	case errors.Is(err, ledger.ErrNonPositiveAmount):
		h.respondError(w, r, endpoint, http.StatusUnprocessableEntity, "invalid_amount", "Positive amount required", nil)
	default:
		h.log.Error().Err(err).Str("endpoint", endpoint).Msg("unhandled service error")
		h.respondError(w, r, endpoint, http.StatusInternalServerError, "internal", "Internal server error", nil)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, endpoint string, status int, code, msg string, details map[string]any) {
	h.respondJSON(w, r, endpoint, status, errorResponse{Error: msg, Code: code, Details: details})
}

func (h *Handler) respondJSON(w http.ResponseWriter, r *http.Request, endpoint string, status int, payload any) {
	httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(status)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

func pathID(w http.ResponseWriter, r *http.Request, h *Handler, endpoint string) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		h.respondError(w, r, endpoint, http.StatusBadRequest, "bad_request", "Invalid account id", nil)
		return 0, false
	}
	return id, true
}

func pagination(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	return limit, offset
}
