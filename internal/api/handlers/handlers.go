package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"cloud.google.com/go/civil"
	"github.com/rs/zerolog"

	"github.com/mossida/midday/internal/api/middleware"
	"github.com/mossida/midday/internal/domain"
	"github.com/mossida/midday/internal/files"
	"github.com/mossida/midday/internal/jobs"
	"github.com/mossida/midday/internal/logger"
	"github.com/mossida/midday/internal/store"
	"github.com/mossida/midday/internal/workflow"
)

// maxUploadBytes bounds a CSV upload.
const maxUploadBytes = 32 << 20

// writeServiceError maps workflow errors to HTTP responses.
func writeServiceError(w http.ResponseWriter, log zerolog.Logger, err error, msg string) {
	var fieldErrs workflow.FieldErrors
	switch {
	case errors.As(err, &fieldErrs):
		middleware.WriteJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":  "Invalid request",
			"fields": fieldErrs,
		})
	case errors.Is(err, store.ErrNotFound), errors.Is(err, jobs.ErrJobNotFound):
		middleware.WriteError(w, http.StatusNotFound, "Not found")
	case errors.Is(err, files.ErrInvalidRef):
		middleware.WriteError(w, http.StatusBadRequest, "Invalid file reference")
	default:
		log.Error().Err(err).Msg(msg)
		middleware.WriteError(w, http.StatusInternalServerError, msg)
	}
}

// ImportsHandler handles import endpoints.
type ImportsHandler struct {
	svc *workflow.Service
}

// NewImportsHandler creates a new imports handler.
func NewImportsHandler(svc *workflow.Service) *ImportsHandler {
	return &ImportsHandler{svc: svc}
}

// RequestImport handles POST /api/imports
func (h *ImportsHandler) RequestImport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	var req workflow.ImportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	job, err := h.svc.RequestImport(ctx, middleware.TeamID(ctx), req)
	if err != nil {
		writeServiceError(w, log, err, "Failed to enqueue import")
		return
	}

	log.Info().
		Str("job_id", job.ID).
		Str("bank_account_id", req.BankAccountID).
		Int("count", len(req.FilePaths)).
		Msg("Import job enqueued")

	middleware.WriteJSON(w, http.StatusAccepted, map[string]string{
		"job_id": job.ID,
		"status": string(job.Status),
	})
}

// Upload handles POST /api/imports/upload?filename=
// The request body is the raw CSV.
func (h *ImportsHandler) Upload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	filename := r.URL.Query().Get("filename")
	if filename == "" {
		middleware.WriteError(w, http.StatusBadRequest, "filename is required")
		return
	}

	body := http.MaxBytesReader(w, r.Body, maxUploadBytes)
	ref, err := h.svc.UploadFile(ctx, filename, body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			middleware.WriteError(w, http.StatusRequestEntityTooLarge, "File too large")
			return
		}
		writeServiceError(w, log, err, "Failed to upload file")
		return
	}

	log.Info().Str("file_path", ref).Msg("File uploaded successfully")

	middleware.WriteJSON(w, http.StatusCreated, map[string]string{
		"file_path": ref,
		"status":    "uploaded",
	})
}

// SuggestMapping handles POST /api/imports/suggest-mapping
func (h *ImportsHandler) SuggestMapping(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FilePath string `json:"file_path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.FilePath == "" {
		middleware.WriteError(w, http.StatusBadRequest, "file_path is required")
		return
	}

	ctx := r.Context()
	suggestion, err := h.svc.SuggestMapping(ctx, req.FilePath)
	if err != nil {
		writeServiceError(w, logger.FromContext(ctx), err, "Failed to suggest mapping")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, suggestion)
}

// AccountsHandler handles bank account endpoints.
type AccountsHandler struct {
	svc *workflow.Service
}

// NewAccountsHandler creates a new accounts handler.
func NewAccountsHandler(svc *workflow.Service) *AccountsHandler {
	return &AccountsHandler{svc: svc}
}

// LinkAccount handles POST /api/bank-accounts
func (h *AccountsHandler) LinkAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req workflow.LinkAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if team := middleware.TeamID(ctx); team != "" {
		if req.TeamID != "" && req.TeamID != team {
			middleware.WriteError(w, http.StatusForbidden, "team_id does not match caller")
			return
		}
		req.TeamID = team
	}

	account, err := h.svc.LinkAccount(ctx, req)
	if err != nil {
		writeServiceError(w, logger.FromContext(ctx), err, "Failed to link bank account")
		return
	}
	middleware.WriteJSON(w, http.StatusCreated, account)
}

// UnlinkAccount handles DELETE /api/bank-accounts/{id}
func (h *AccountsHandler) UnlinkAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	if err := h.svc.UnlinkAccount(ctx, id); err != nil {
		writeServiceError(w, logger.FromContext(ctx), err, "Failed to unlink bank account")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetSchedule handles GET /api/schedules/{bank_account_id}
func (h *AccountsHandler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sched, err := h.svc.Schedule(ctx, r.PathValue("bank_account_id"))
	if err != nil {
		writeServiceError(w, logger.FromContext(ctx), err, "Failed to get schedule")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, sched)
}

// TransactionsHandler handles transaction-related endpoints.
type TransactionsHandler struct {
	svc *workflow.Service
}

// NewTransactionsHandler creates a new transactions handler.
func NewTransactionsHandler(svc *workflow.Service) *TransactionsHandler {
	return &TransactionsHandler{svc: svc}
}

// ListTransactions handles GET /api/transactions
func (h *TransactionsHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// Parse query parameters
	query := r.URL.Query()
	filter := store.TransactionFilter{
		TeamID:        middleware.TeamID(ctx),
		BankAccountID: query.Get("bank_account_id"),
	}

	var err error
	if s := query.Get("start_date"); s != "" {
		if filter.StartDate, err = civil.ParseDate(s); err != nil {
			middleware.WriteError(w, http.StatusBadRequest, "Invalid start_date format")
			return
		}
	}
	if s := query.Get("end_date"); s != "" {
		if filter.EndDate, err = civil.ParseDate(s); err != nil {
			middleware.WriteError(w, http.StatusBadRequest, "Invalid end_date format")
			return
		}
	}
	if !filter.StartDate.IsZero() && !filter.EndDate.IsZero() && filter.EndDate.Before(filter.StartDate) {
		middleware.WriteError(w, http.StatusBadRequest, "end_date is before start_date")
		return
	}
	filter.Limit = intParam(query.Get("limit"))
	filter.Offset = intParam(query.Get("offset"))

	transactions, err := h.svc.Transactions(ctx, filter)
	if err != nil {
		writeServiceError(w, logger.FromContext(ctx), err, "Failed to query transactions")
		return
	}

	// Return array directly for frontend compatibility
	if transactions == nil {
		transactions = []domain.Transaction{}
	}
	middleware.WriteJSON(w, http.StatusOK, transactions)
}

// JobsHandler handles job-related endpoints.
type JobsHandler struct {
	store jobs.JobStore
}

// NewJobsHandler creates a new jobs handler.
func NewJobsHandler(store jobs.JobStore) *JobsHandler {
	return &JobsHandler{store: store}
}

// GetJob handles GET /api/jobs/{id}
func (h *JobsHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jobID := r.PathValue("id")

	job, err := h.store.GetJob(ctx, jobID)
	if err != nil {
		writeServiceError(w, logger.FromContext(ctx).With().Str("job_id", jobID).Logger(), err, "Failed to get job")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, job)
}

// ListJobs handles GET /api/jobs
func (h *JobsHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// Parse query parameters
	query := r.URL.Query()
	filter := jobs.JobFilter{
		Type:   jobs.JobType(query.Get("type")),
		Key:    query.Get("bank_account_id"),
		Status: jobs.JobStatus(query.Get("status")),
		Limit:  intParam(query.Get("limit")),
		Offset: intParam(query.Get("offset")),
	}

	jobsList, err := h.store.ListJobs(ctx, filter)
	if err != nil {
		writeServiceError(w, logger.FromContext(ctx), err, "Failed to list jobs")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobsList,
		"count": len(jobsList),
	})
}

// Health handles GET /health
func Health(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

// intParam parses a non-negative integer query value, 0 when absent or invalid.
func intParam(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
