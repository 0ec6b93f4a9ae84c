package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-validator/internal/clock/system"
	"github.com/JakeFAU/media-validator/internal/config"
	"github.com/JakeFAU/media-validator/internal/crawl"
	"github.com/JakeFAU/media-validator/internal/dispatcher"
	"github.com/JakeFAU/media-validator/internal/orchestrator"
	queueMemory "github.com/JakeFAU/media-validator/internal/queue/memory"
	"github.com/JakeFAU/media-validator/internal/retry"
	storemem "github.com/JakeFAU/media-validator/internal/storage/memory"
	"github.com/JakeFAU/media-validator/internal/validation"
)

type testEnv struct {
	server  *Server
	queue   *queueMemory.Queue
	reports *storemem.ReportStore
	ids     *fakeIDGen
}

func newTestEnv(t *testing.T, cfg config.Config, checks ...ReadinessCheck) *testEnv {
	t.Helper()
	q := queueMemory.NewQueue(10)
	dispatch := dispatcher.New(q, nil)
	reports := storemem.NewReportStore()
	ids := &fakeIDGen{ids: []string{"job-1", "rep-1"}}
	orch := orchestrator.New(orchestrator.Deps{
		Reports: reports,
		Repairs: storemem.NewRepairStore(),
		Queue:   dispatch,
		Crawler: crawl.New(storemem.NewDocumentStore(), dispatch, retry.Policy{MaxAttempts: 1}, zap.NewNop()),
		Clock:   system.NewManual(time.Unix(100, 0)),
		IDs:     ids,
	}, orchestrator.Config{TargetCollections: []string{"yachts"}, MaxBatchSize: 500}, zap.NewNop())
	return &testEnv{
		server:  NewServer(orch, cfg, zap.NewNop(), checks...),
		queue:   q,
		reports: reports,
		ids:     ids,
	}
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) putReport(t *testing.T, report validation.ValidationReport) {
	t.Helper()
	require.NoError(t, e.reports.CreateReport(context.Background(), report))
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(v))
}

func TestServer_TriggerJob_Succeeds(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.Config{})

	rec := env.do(http.MethodPost, "/validation/jobs", `{"collection":"yachts","batchSize":50}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var body map[string]string
	decode(t, rec, &body)
	require.Equal(t, "job-1", body["jobId"])

	delivery, err := env.queue.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, validation.TaskCrawl, delivery.Task.Kind)
	require.Equal(t, "job-1", delivery.Task.JobID)

	rec = env.do(http.MethodGet, "/validation/reports/job-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var report validation.ValidationReport
	decode(t, rec, &report)
	require.Equal(t, validation.StatusPending, report.Status)
	require.Equal(t, 50, report.BatchSize)
}

func TestServer_TriggerJob_BadRequests(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.Config{})

	cases := map[string]string{
		"invalid JSON":    `{invalid`,
		"missing":         `{}`,
		"not a target":    `{"collection":"bookings"}`,
		"batch too large": `{"collection":"yachts","batchSize":5000}`,
	}
	for name, body := range cases {
		rec := env.do(http.MethodPost, "/validation/jobs", body)
		require.Equal(t, http.StatusBadRequest, rec.Code, name)
	}
}

func TestServer_CancelJob(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.Config{})
	env.putReport(t, validation.ValidationReport{ID: "job-9", Collection: "yachts", Status: validation.StatusInProgress})

	rec := env.do(http.MethodPost, "/validation/jobs/job-9/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	decode(t, rec, &body)
	require.Equal(t, "failed", body["status"])

	rec = env.do(http.MethodPost, "/validation/jobs/job-9/cancel", "")
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(http.MethodPost, "/validation/jobs/unknown/cancel", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_GetReport_NotFound(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.Config{})

	rec := env.do(http.MethodGet, "/validation/reports/nope", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Contains(t, rec.Body.String(), "not found")
}

func TestServer_ListReports(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.Config{})
	older := time.Unix(1000, 0).UTC()
	newer := time.Unix(2000, 0).UTC()
	env.putReport(t, validation.ValidationReport{ID: "a", Collection: "yachts", Status: validation.StatusCompleted, EndTime: &older})
	env.putReport(t, validation.ValidationReport{ID: "b", Collection: "yachts", Status: validation.StatusCompleted, EndTime: &newer})
	env.putReport(t, validation.ValidationReport{ID: "c", Collection: "users", Status: validation.StatusCompleted, EndTime: &newer})

	rec := env.do(http.MethodGet, "/validation/reports?collection=yachts&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Reports []validation.ValidationReport `json:"reports"`
	}
	decode(t, rec, &body)
	require.Len(t, body.Reports, 2)
	require.Equal(t, "b", body.Reports[0].ID)
	require.Equal(t, "a", body.Reports[1].ID)

	rec = env.do(http.MethodGet, "/validation/reports?limit=abc", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_TriggerRepair(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.Config{})
	env.ids.ids = []string{"rep-1"}
	item := validation.InvalidItem{
		Ref:       validation.DocumentRef{Collection: "users", DocumentID: "u1"},
		FieldPath: validation.MustParseFieldPath("profile.photoUrl"),
		URL:       "blob:abc",
		Status:    validation.VerdictInvalid,
		Reason:    "ephemeral-reference",
	}
	env.putReport(t, validation.ValidationReport{ID: "done", Collection: "users", Status: validation.StatusCompleted, InvalidItems: []validation.InvalidItem{item}})
	env.putReport(t, validation.ValidationReport{ID: "running", Collection: "users", Status: validation.StatusInProgress})

	cases := map[string]struct {
		body string
		code int
	}{
		"invalid JSON":   {body: `{`, code: http.StatusBadRequest},
		"unknown report": {body: `{"reportId":"nope"}`, code: http.StatusNotFound},
		"not completed":  {body: `{"reportId":"running"}`, code: http.StatusConflict},
		"no match":       {body: `{"reportId":"done","itemPaths":["users/u2/photoUrl"]}`, code: http.StatusBadRequest},
	}
	for name, tc := range cases {
		rec := env.do(http.MethodPost, "/validation/repairs", tc.body)
		require.Equal(t, tc.code, rec.Code, name)
	}

	rec := env.do(http.MethodPost, "/validation/repairs", `{"reportId":"done","itemPaths":["profile.photoUrl"]}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var body map[string]string
	decode(t, rec, &body)
	require.Equal(t, "rep-1", body["repairId"])

	rec = env.do(http.MethodGet, "/validation/repairs/rep-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var result validation.RepairResult
	decode(t, rec, &result)
	require.Equal(t, validation.StatusPending, result.Status)
	require.Equal(t, "done", result.ReportID)

	rec = env.do(http.MethodGet, "/validation/repairs/missing", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ReadinessChecks(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	require.Equal(t, http.StatusOK, env.do(http.MethodGet, "/readyz", "").Code)

	failing := newTestEnv(t, config.Config{}, ReadinessCheck{
		Name:  "reports",
		Check: func(context.Context) error { return errors.New("connection refused") },
	})
	rec := failing.do(http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "connection refused")
}

func TestServer_MetricsEndpoint(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.Config{})

	env.do(http.MethodGet, "/healthz", "")
	rec := env.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "secret"}})

	require.Equal(t, http.StatusOK, env.do(http.MethodGet, "/healthz", "").Code)
	require.Equal(t, http.StatusForbidden, env.do(http.MethodGet, "/validation/reports", "").Code)

	req := httptest.NewRequest(http.MethodGet, "/validation/reports", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Equal(t, http.StatusOK, env.do(http.MethodGet, "/validation/reports?api_key=secret", "").Code)
}

func TestServer_RecoversFromPanics(t *testing.T) {
	t.Parallel()

	handler := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.Config{})

	rec := env.do(http.MethodGet, "/healthz", "")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "upstream-id")
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "upstream-id", rec.Header().Get("X-Request-ID"))
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	require.EqualError(t, err, "hijacker not supported")

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	require.NoError(t, err)
	require.NoError(t, conn.Close())
	require.NoError(t, h.CloseClient())
	require.NotNil(t, buf)
}

// --- helpers/fakes ---

type fakeIDGen struct {
	ids []string
}

func (f *fakeIDGen) NewID() (string, error) {
	if len(f.ids) == 0 {
		return "", errors.New("no ids left")
	}
	id := f.ids[0]
	f.ids = f.ids[1:]
	return id, nil
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
