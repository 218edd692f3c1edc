package httpserver

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
	"go.uber.org/zap"

	contracthttp "subscan/contracts/http"
	"subscan/internal/mailbox"
	"subscan/internal/model"
	"subscan/internal/repository/memstore"
	"subscan/internal/service"
	"subscan/pkg/auth"
	"subscan/pkg/ratelimit"
	"subscan/pkg/rbac"
	"subscan/pkg/trace"
)

type emptyMailbox struct{}

func (emptyMailbox) Probe(context.Context) error { return nil }
func (emptyMailbox) Search(context.Context, string, int) ([]string, error) {
	return nil, nil
}
func (emptyMailbox) Fetch(context.Context, string) (*mailbox.Message, error) {
	return nil, errors.New("unexpected fetch")
}

type noopLLM struct{}

func (noopLLM) Provider() string { return "noop" }
func (noopLLM) Complete(context.Context, string, string) (string, error) {
	return `{"is_subscription": false}`, nil
}

type fixture struct {
	store  *memstore.Store
	signer *auth.Signer
	router *gin.Engine
}

func newFixture(t *testing.T, secret string, ready ReadyFunc) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := zap.NewNop()
	store := memstore.New()

	sweeper := service.NewSweeperService(store, nil, service.SweeperConfig{}, log)
	classifier := service.NewClassificationService(store, noopLLM{}, ratelimit.New(0, time.Minute), nil, sweeper,
		service.ClassificationConfig{LLMTimeout: time.Second}, log)
	dispatcher := service.NewDispatcherService(store, service.SubmitFunc(func(context.Context, contracthttp.ClassifyRequest) error {
		return nil
	}), service.DispatchConfig{}, log)
	open := func(context.Context, string) (service.Mailbox, error) { return emptyMailbox{}, nil }
	ingestion := service.NewIngestionService(store, open, nil, service.IngestionConfig{}, log)
	watchdog := service.NewWatchdogService(store, nil, nil, nil, service.WatchdogConfig{}, log)
	scans := service.NewScanService(store, nil, time.Second, log)

	signer := auth.NewSigner(secret, "subscan", time.Minute)
	h := NewHandler(scans, ingestion, dispatcher, classifier, sweeper, watchdog, store, time.Minute, log)
	return &fixture{store: store, signer: signer, router: NewRouter(h, signer, ready, log)}
}

func (f *fixture) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) bearer(t *testing.T) map[string]string {
	t.Helper()
	return f.bearerFor(t, rbac.RoleAdmin)
}

func (f *fixture) bearerFor(t *testing.T, component string) map[string]string {
	t.Helper()
	token, err := f.signer.Issue(component)
	require.NoError(t, err)
	return map[string]string{"Authorization": "Bearer " + token}
}

func TestHealthAndReadiness(t *testing.T) {
	f := newFixture(t, "", nil)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", "", nil).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/readyz", "", nil).Code)

	down := newFixture(t, "", func(context.Context) error { return errors.New("db down") })
	w := down.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "db down")
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, "", nil)
	f.do(t, http.MethodGet, "/healthz", "", nil)
	w := f.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "http_request_duration_seconds")
}

func TestCreateAndGetScan(t *testing.T) {
	f := newFixture(t, "", nil)

	w := f.do(t, http.MethodPost, "/v1/scans", `{"user_id":"user-1"}`, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	var created model.ScanJob
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, model.StagePending, created.Stage)

	w = f.do(t, http.MethodGet, "/v1/scans/"+created.ScanID, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "pending", got["stage"])
	assert.Equal(t, float64(0), got["tasks_failed"])

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/scans/missing", "", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/v1/scans", `{}`, nil).Code)
}

func TestTraceIDIsEchoed(t *testing.T) {
	f := newFixture(t, "", nil)
	w := f.do(t, http.MethodGet, "/healthz", "", map[string]string{trace.HeaderName: "abc123"})
	assert.Equal(t, "abc123", w.Header().Get(trace.HeaderName))

	w = f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Len(t, w.Header().Get(trace.HeaderName), 32)
}

func TestTriggerRoutesRequireServiceToken(t *testing.T) {
	f := newFixture(t, "secret", nil)

	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodPost, "/v1/dispatch", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodPost, "/v1/dispatch", "",
		map[string]string{"Authorization": "Bearer not-a-jwt"}).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/v1/dispatch", "", f.bearer(t)).Code)

	other := auth.NewSigner("other-secret", "subscan", time.Minute)
	token, err := other.Issue("test")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/v1/sweep", "",
		map[string]string{"Authorization": "Bearer " + token}).Code)

	// server 不能调 sweep，worker 不能调 outbox 运维接口
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodPost, "/v1/sweep", "", f.bearerFor(t, rbac.RoleServer)).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/v1/sweep", "", f.bearerFor(t, rbac.RoleWorker)).Code)
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodGet, "/admin/outbox/failed", "", f.bearerFor(t, rbac.RoleWorker)).Code)
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodPost, "/v1/dispatch", "", f.bearerFor(t, "unknown")).Code)

	// 轮询接口不需要服务 token
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/scans/missing", "", nil).Code)
}

func TestIngestThenClassifyEndToEnd(t *testing.T) {
	f := newFixture(t, "", nil)
	job, err := f.store.CreateScan(context.Background(), "user-1")
	require.NoError(t, err)

	w := f.do(t, http.MethodGet, "/v1/ingest?scan_id="+job.ScanID+"&access_token=tok", "", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.JSONEq(t, `{"status":"accepted","scan_id":"`+job.ScanID+`"}`, w.Body.String())
	require.Eventually(t, func() bool {
		got, err := f.store.GetScan(context.Background(), job.ScanID)
		return err == nil && got.Stage == model.StageReadyForAnalysis
	}, 2*time.Second, 10*time.Millisecond)

	w = f.do(t, http.MethodPost, "/v1/dispatch", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var summary service.DispatchSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
	assert.Equal(t, []string{job.ScanID}, summary.Claimed)

	body := `{"scan_ids":["` + job.ScanID + `"],"user_ids":["user-1"]}`
	w = f.do(t, http.MethodPost, "/v1/classify", body, nil)
	require.Equal(t, http.StatusAccepted, w.Code)

	require.Eventually(t, func() bool {
		got, err := f.store.GetScan(context.Background(), job.ScanID)
		return err == nil && got.Stage == model.StageCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestIngestOutlivesRequestContext(t *testing.T) {
	f := newFixture(t, "", nil)
	job, err := f.store.CreateScan(context.Background(), "user-1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	body := `{"scan_id":"` + job.ScanID + `","access_token":"tok"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/ingest", strings.NewReader(body)).WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	// 调用方超时断开
	cancel()

	require.Equal(t, http.StatusAccepted, w.Code)
	require.Eventually(t, func() bool {
		got, err := f.store.GetScan(context.Background(), job.ScanID)
		return err == nil && got.Stage == model.StageReadyForAnalysis
	}, 2*time.Second, 10*time.Millisecond)
}

func TestIngestRequiresScanID(t *testing.T) {
	f := newFixture(t, "", nil)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/v1/ingest", `{}`, nil).Code)
}

func TestClassifyRejectsMismatchedBatch(t *testing.T) {
	f := newFixture(t, "", nil)
	w := f.do(t, http.MethodPost, "/v1/classify", `{"scan_ids":["a","b"],"user_ids":["u"]}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/v1/classify", `not json`, nil).Code)
}

func TestCronEndpoints(t *testing.T) {
	f := newFixture(t, "", nil)

	w := f.do(t, http.MethodGet, "/v1/watchdog", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"actions":[]}`, w.Body.String())

	w = f.do(t, http.MethodPost, "/v1/sweep", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"examined":0,"inserted":0,"duplicates":0,"skipped":0,"errors":0}`, w.Body.String())
}

func TestOutboxAdmin(t *testing.T) {
	f := newFixture(t, "", nil)

	w := f.do(t, http.MethodGet, "/admin/outbox/failed", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"events":[]}`, w.Body.String())

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/admin/outbox/replay", "", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/admin/outbox/replay", `{"event_id":"x"}`, nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/admin/outbox/replay", `{}`, nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/admin/outbox/replay", `{"event_id":42}`, nil).Code)
}
