package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossida/midday/internal/logger"
)

func TestChain_SetsRequestAndTeam(t *testing.T) {
	var buf bytes.Buffer
	log := logger.NewWithWriter(&buf)

	var gotTeam, gotRequest string
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTeam = TeamID(r.Context())
		gotRequest = RequestIDFromContext(r.Context())
		reqLog := logger.FromContext(r.Context())
		reqLog.Info().Msg("inside")
		w.WriteHeader(http.StatusTeapot)
	}), log)

	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	req.Header.Set(TeamHeader, "team-1")
	req.Header.Set("X-Request-ID", "req-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "team-1", gotTeam)
	assert.Equal(t, "req-1", gotRequest)
	assert.Equal(t, "req-1", rec.Header().Get("X-Request-ID"))
	assert.Contains(t, buf.String(), `"team_id":"team-1"`)
	assert.Contains(t, buf.String(), `"status":418`)
}

func TestRequestID_Generated(t *testing.T) {
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Len(t, rec.Header().Get("X-Request-ID"), 36)
}

func TestCORS_Preflight(t *testing.T) {
	called := false
	h := CORS(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/imports", nil))

	assert.False(t, called)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), TeamHeader)
}

func TestRecovery(t *testing.T) {
	var buf bytes.Buffer
	h := Recovery(logger.NewWithWriter(&buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	require.NotPanics(t, func() {
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"Internal server error"}`, rec.Body.String())
	assert.Contains(t, buf.String(), "Panic recovered")
}

func TestAuth_NoTeam(t *testing.T) {
	var got string
	h := Auth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { got = TeamID(r.Context()) }))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Empty(t, got)
}
