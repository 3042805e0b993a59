package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kurihiro0119/devcohort/internal/aggregator"
	"github.com/kurihiro0119/devcohort/internal/cohort"
	"github.com/kurihiro0119/devcohort/internal/domain"
	apperrors "github.com/kurihiro0119/devcohort/internal/errors"
	"github.com/kurihiro0119/devcohort/internal/syncjob"
)

type fakeAggregator struct {
	start, end time.Time
	panelErr   error
}

func (f *fakeAggregator) Panel(_ context.Context, start, end time.Time) ([]domain.PanelMonth, error) {
	f.start, f.end = start, end
	if f.panelErr != nil {
		return nil, f.panelErr
	}
	return []domain.PanelMonth{{Month: start.Format(aggregator.MonthLayout), Days: 30}}, nil
}

func (f *fakeAggregator) Findings(context.Context, time.Time) (*domain.Findings, error) {
	return &domain.Findings{Tiers: []domain.TierFindings{{Tier: domain.TierAll}}}, nil
}

type fakeRunner struct {
	busy    bool
	params  cohort.Params
	jobType domain.JobType
	ctxErr  error
}

func (f *fakeRunner) Start(ctx context.Context, jobType domain.JobType, p cohort.Params) (*domain.SyncJob, <-chan error, error) {
	if f.busy {
		return nil, nil, apperrors.NewConflictError("a sync job is already running", apperrors.ErrSyncInProgress)
	}
	f.params, f.jobType, f.ctxErr = p, jobType, ctx.Err()
	return &domain.SyncJob{ID: "job-1", JobType: jobType, Status: domain.JobStatusRunning, SamplingSeed: p.Seed}, nil, nil
}

func (f *fakeRunner) Status(context.Context) (*syncjob.Status, error) {
	return &syncjob.Status{Running: f.busy, LatestJob: &domain.SyncJob{ID: "job-0", Status: domain.JobStatusCompleted}}, nil
}

func baseParams() cohort.Params {
	return cohort.Params{
		Seed:                20240101,
		Bands:               cohort.DefaultBands(),
		UsersPerBand:        40,
		SearchPageSize:      100,
		SearchPagesPerOrder: 2,
		LanguageCount:       5,
		BaselineYears:       []int{2021, 2022},
		UpsertChunkSize:     200,
		RetryAttempts:       3,
	}
}

func setupRouter(agg *fakeAggregator, runner *fakeRunner) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewHandler(agg, runner, baseParams(), nil)
	h.now = func() time.Time { return time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC) }
	return SetupRoutes(h, http.NotFoundHandler(), nil)
}

func perform(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Error.Code
}

func TestHealthCheck(t *testing.T) {
	w := perform(setupRouter(&fakeAggregator{}, &fakeRunner{}), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestTriggerSync(t *testing.T) {
	runner := &fakeRunner{}
	r := setupRouter(&fakeAggregator{}, runner)

	w := perform(r, http.MethodPost, "/api/v1/sync/users", `{"seed": 7, "users_per_band": 3}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, domain.JobTypeUsers, runner.jobType)
	assert.Equal(t, uint32(7), runner.params.Seed)
	assert.Equal(t, 3, runner.params.UsersPerBand)
	assert.NoError(t, runner.ctxErr)

	var resp struct {
		Data domain.SyncJob `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "job-1", resp.Data.ID)
	assert.Equal(t, domain.JobStatusRunning, resp.Data.Status)
}

func TestTriggerSync_EmptyBodyUsesConfiguredParams(t *testing.T) {
	runner := &fakeRunner{}
	w := perform(setupRouter(&fakeAggregator{}, runner), http.MethodPost, "/api/v1/sync/all", "")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, baseParams(), runner.params)
}

func TestTriggerSync_Errors(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		body   string
		busy   bool
		status int
		code   apperrors.ErrCode
	}{
		{"unknown type", "/api/v1/sync/orgs", "", false, http.StatusBadRequest, apperrors.ErrCodeBadRequest},
		{"malformed body", "/api/v1/sync/users", `{"seed":`, false, http.StatusBadRequest, apperrors.ErrCodeBadRequest},
		{"invalid override", "/api/v1/sync/users", `{"search_page_size": 0}`, false, http.StatusBadRequest, apperrors.ErrCodeBadRequest},
		{"already running", "/api/v1/sync/repos", "", true, http.StatusConflict, apperrors.ErrCodeConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := perform(setupRouter(&fakeAggregator{}, &fakeRunner{busy: tt.busy}), http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, string(tt.code), errorCode(t, w))
		})
	}
}

func TestGetSyncStatus(t *testing.T) {
	w := perform(setupRouter(&fakeAggregator{}, &fakeRunner{busy: true}), http.MethodGet, "/api/v1/sync/status", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Data syncjob.Status `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Data.Running)
	require.NotNil(t, resp.Data.LatestJob)
	assert.Equal(t, "job-0", resp.Data.LatestJob.ID)
}

func TestGetPanel(t *testing.T) {
	agg := &fakeAggregator{}
	r := setupRouter(agg, &fakeRunner{})

	w := perform(r, http.MethodGet, "/api/v1/panel?start=2024-01&end=2024-03-15", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), agg.start)
	assert.Equal(t, time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC), agg.end)

	// defaults to the last twelve months
	w = perform(r, http.MethodGet, "/api/v1/panel", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, time.Date(2023, 7, 1, 0, 0, 0, 0, time.UTC), agg.start)
}

func TestGetPanel_BadInput(t *testing.T) {
	w := perform(setupRouter(&fakeAggregator{}, &fakeRunner{}), http.MethodGet, "/api/v1/panel?start=last-year", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	agg := &fakeAggregator{panelErr: apperrors.NewBadRequestError("start must not be after end")}
	w = perform(setupRouter(agg, &fakeRunner{}), http.MethodGet, "/api/v1/panel?start=2024-05&end=2024-01", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, string(apperrors.ErrCodeBadRequest), errorCode(t, w))
}

func TestGetFindings(t *testing.T) {
	w := perform(setupRouter(&fakeAggregator{}, &fakeRunner{}), http.MethodGet, "/api/v1/findings", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"tier":"all"`)
}

func TestRespondError_StatusMapping(t *testing.T) {
	cause := errors.New("connection reset")
	tests := []struct {
		name   string
		err    error
		status int
		code   apperrors.ErrCode
	}{
		{"upstream", apperrors.NewUpstreamError("search users failed after 3 attempts", cause), http.StatusBadGateway, apperrors.ErrCodeUpstreamUnavailable},
		{"rate limited", apperrors.NewRateLimitedError("search users failed after 3 attempts", cause), http.StatusTooManyRequests, apperrors.ErrCodeRateLimited},
		{"not found", apperrors.NewNotFoundError("user"), http.StatusNotFound, apperrors.ErrCodeNotFound},
		{"plain error", cause, http.StatusInternalServerError, apperrors.ErrCodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := setupRouter(&fakeAggregator{panelErr: tt.err}, &fakeRunner{})
			w := perform(r, http.MethodGet, "/api/v1/panel?start=2024-01&end=2024-02", "")
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, string(tt.code), errorCode(t, w))
		})
	}

	// the cause of an unclassified error is not echoed
	w := perform(setupRouter(&fakeAggregator{panelErr: cause}, &fakeRunner{}), http.MethodGet, "/api/v1/panel", "")
	assert.NotContains(t, w.Body.String(), "connection reset")
}
