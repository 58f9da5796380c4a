// Package api assembles the HTTP surface of the sync service.
package api

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/mossida/midday/internal/api/handlers"
	"github.com/mossida/midday/internal/api/middleware"
	"github.com/mossida/midday/internal/jobs"
	"github.com/mossida/midday/internal/workflow"
)

// NewRouter registers every endpoint and wraps the mux in the middleware chain.
func NewRouter(svc *workflow.Service, jobStore jobs.JobStore, log zerolog.Logger) http.Handler {
	imports := handlers.NewImportsHandler(svc)
	accounts := handlers.NewAccountsHandler(svc)
	transactions := handlers.NewTransactionsHandler(svc)
	jobsHandler := handlers.NewJobsHandler(jobStore)

	mux := http.NewServeMux()

	// Imports endpoints
	mux.HandleFunc("POST /api/imports", imports.RequestImport)
	mux.HandleFunc("POST /api/imports/upload", imports.Upload)
	mux.HandleFunc("POST /api/imports/suggest-mapping", imports.SuggestMapping)

	// Bank account endpoints
	mux.HandleFunc("POST /api/bank-accounts", accounts.LinkAccount)
	mux.HandleFunc("DELETE /api/bank-accounts/{id}", accounts.UnlinkAccount)
	mux.HandleFunc("GET /api/schedules/{bank_account_id}", accounts.GetSchedule)

	// Transactions endpoints
	mux.HandleFunc("GET /api/transactions", transactions.ListTransactions)

	// Jobs endpoints
	mux.HandleFunc("GET /api/jobs", jobsHandler.ListJobs)
	mux.HandleFunc("GET /api/jobs/{id}", jobsHandler.GetJob)

	// Health check endpoint
	mux.HandleFunc("GET /health", handlers.Health)

	return middleware.Chain(mux, log)
}
