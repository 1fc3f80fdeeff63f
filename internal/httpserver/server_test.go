package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/pipeline-harness/internal/fsm"
	"github.com/ILLUVRSE/pipeline-harness/internal/gateway"
	"github.com/ILLUVRSE/pipeline-harness/internal/metrics"
	"github.com/ILLUVRSE/pipeline-harness/internal/model"
	"github.com/ILLUVRSE/pipeline-harness/internal/queue"
)

type fakeHarness struct {
	initResp   fsm.InitializeTestResponse
	initErr    error
	startResp  fsm.StartTestResponse
	startErr   error
	statusResp fsm.TestStatusResponse
	statusErr  error
	cancelResp fsm.TestCancelledResponse
	cancelErr  error
	queueResp  model.QueueSnapshot
	queueErr   error
}

func (f *fakeHarness) InitializeTest(context.Context) (fsm.InitializeTestResponse, error) {
	return f.initResp, f.initErr
}

func (f *fakeHarness) StartTest(context.Context, model.TestID, string, string) (fsm.StartTestResponse, error) {
	return f.startResp, f.startErr
}

func (f *fakeHarness) Status(context.Context, model.TestID) (fsm.TestStatusResponse, error) {
	return f.statusResp, f.statusErr
}

func (f *fakeHarness) Cancel(context.Context, model.TestID) (fsm.TestCancelledResponse, error) {
	return f.cancelResp, f.cancelErr
}

func (f *fakeHarness) QueueStatus(context.Context) (model.QueueSnapshot, error) {
	return f.queueResp, f.queueErr
}

func newTestServer(t *testing.T, h *fakeHarness) *httptest.Server {
	t.Helper()
	gw := gateway.New(h, gateway.Config{}, nil)
	srv := httptest.NewServer(New(gw, metrics.New(), nil).Router())
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var doc map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	return resp, doc
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, &fakeHarness{
		queueResp: model.QueueSnapshot{Counts: map[model.State]int{model.StateSetup: 2, model.StateTesting: 1}},
	})
	resp, doc := doJSON(t, http.MethodGet, srv.URL+"/api/v1/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", doc["status"])
	assert.Equal(t, true, doc["ok"])
	assert.Equal(t, float64(3), doc["queue-depth"])
	assert.Contains(t, doc, "uptime")
}

func TestInitializeCreates(t *testing.T) {
	id := model.NewTestID()
	srv := newTestServer(t, &fakeHarness{initResp: fsm.InitializeTestResponse{TestID: id}})

	resp, doc := doJSON(t, http.MethodPost, srv.URL+"/api/v1/test/initialize", "")
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, id.String(), doc["test-id"])
}

func TestStartAccepted(t *testing.T) {
	id := model.NewTestID()
	srv := newTestServer(t, &fakeHarness{
		startResp: fsm.StartTestResponse{TestID: id, Accepted: true, TestType: "smoke"},
	})

	body := fmt.Sprintf(`{"test-id": %q, "bucket": "bucket-a", "test-type": "smoke"}`, id)
	resp, doc := doJSON(t, http.MethodPost, srv.URL+"/api/v1/test/start", body)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, true, doc["accepted"])
	assert.Equal(t, "smoke", doc["test-type"])
}

func TestStartRejections(t *testing.T) {
	id := model.NewTestID()
	srv := newTestServer(t, &fakeHarness{
		startResp: fsm.StartTestResponse{TestID: id, Accepted: false, Reason: "test already started"},
	})

	resp, doc := doJSON(t, http.MethodPost, srv.URL+"/api/v1/test/start", "{not json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
	assert.Equal(t, "malformed request body", doc["detail"])

	resp, doc = doJSON(t, http.MethodPost, srv.URL+"/api/v1/test/start",
		`{"test-id": "not-a-uuid", "bucket": "bucket-a"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid test-id", doc["detail"])

	body := fmt.Sprintf(`{"test-id": %q, "bucket": "", "test-type": "smoke"}`, id)
	resp, doc = doJSON(t, http.MethodPost, srv.URL+"/api/v1/test/start", body)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "bucket is required", doc["detail"])

	body = fmt.Sprintf(`{"test-id": %q, "bucket": "bucket-a", "test-type": "smoke"}`, id)
	resp, doc = doJSON(t, http.MethodPost, srv.URL+"/api/v1/test/start", body)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "test already started", doc["detail"])
}

func TestStatusRendering(t *testing.T) {
	id := model.NewTestID()
	start := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	passed := true
	srv := newTestServer(t, &fakeHarness{
		statusResp: fsm.TestStatusResponse{
			TestID:    id,
			State:     model.StateCompleted,
			Bucket:    "bucket-a",
			TestType:  "smoke",
			StartTime: &start,
			Success:   &passed,
		},
	})

	resp, doc := doJSON(t, http.MethodGet, srv.URL+"/api/v1/test/"+id.String()+"/status", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, id.String(), doc["test-id"])
	assert.Equal(t, "Completed", doc["state"])
	assert.Equal(t, "bucket-a", doc["bucket"])
	assert.Equal(t, "2026-08-25T10:00:00Z", doc["start-time"])
	assert.Equal(t, true, doc["success"])
	_, hasEnd := doc["end-time"]
	assert.False(t, hasEnd)
}

func TestStatusNotFound(t *testing.T) {
	srv := newTestServer(t, &fakeHarness{
		statusErr: fmt.Errorf("test unknown: %w", model.ErrNotFound),
	})

	resp, doc := doJSON(t, http.MethodGet, srv.URL+"/api/v1/test/"+model.NewTestID().String()+"/status", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
	assert.Equal(t, "Not Found", doc["title"])
	assert.Equal(t, "about:blank", doc["type"])

	resp, doc = doJSON(t, http.MethodGet, srv.URL+"/api/v1/test/not-a-uuid/status", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid test id", doc["detail"])
}

func TestInternalFaultHidesDetail(t *testing.T) {
	srv := newTestServer(t, &fakeHarness{
		statusErr: errors.New(`sasl.jaas.config="secret"`),
	})

	resp, doc := doJSON(t, http.MethodGet, srv.URL+"/api/v1/test/"+model.NewTestID().String()+"/status", "")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "internal error", doc["detail"])
	for _, v := range doc {
		if s, ok := v.(string); ok {
			assert.NotContains(t, s, "secret")
		}
	}
}

func TestCancel(t *testing.T) {
	id := model.NewTestID()
	srv := newTestServer(t, &fakeHarness{
		cancelResp: fsm.TestCancelledResponse{TestID: id, Cancelled: false, Message: "test already Completed"},
	})

	resp, doc := doJSON(t, http.MethodDelete, srv.URL+"/api/v1/test/"+id.String(), "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, doc["cancelled"])
	assert.Equal(t, "test already Completed", doc["message"])
}

func TestQueueStatus(t *testing.T) {
	id := model.NewTestID()
	srv := newTestServer(t, &fakeHarness{
		queueResp: model.QueueSnapshot{
			Counts:  map[model.State]int{model.StateTesting: 1, model.StateSetup: 2},
			Testing: &id,
		},
	})

	resp, doc := doJSON(t, http.MethodGet, srv.URL+"/api/v1/queue/status", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	counts := doc["counts"].(map[string]interface{})
	assert.Equal(t, float64(1), counts["Testing"])
	assert.Equal(t, float64(2), counts["Setup"])
	assert.Equal(t, id.String(), doc["testing"])
}

func TestQueueStatusByTestID(t *testing.T) {
	id := model.NewTestID()
	srv := newTestServer(t, &fakeHarness{
		statusResp: fsm.TestStatusResponse{TestID: id, State: model.StateLoaded, Bucket: "bucket-a"},
		queueResp:  model.QueueSnapshot{Counts: map[model.State]int{model.StateLoaded: 1}},
	})

	// testId query narrows the response to that one test.
	resp, doc := doJSON(t, http.MethodGet, srv.URL+"/api/v1/queue/status?testId="+id.String(), "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, id.String(), doc["test-id"])
	assert.Equal(t, "Loaded", doc["state"])
	assert.Equal(t, "bucket-a", doc["bucket"])
	_, hasCounts := doc["counts"]
	assert.False(t, hasCounts)

	resp, doc = doJSON(t, http.MethodGet, srv.URL+"/api/v1/queue/status?testId=not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid test id", doc["detail"])
}

func TestQueueStatusByTestIDNotFound(t *testing.T) {
	srv := newTestServer(t, &fakeHarness{
		statusErr: fmt.Errorf("test unknown: %w", model.ErrNotFound),
	})

	resp, doc := doJSON(t, http.MethodGet, srv.URL+"/api/v1/queue/status?testId="+model.NewTestID().String(), "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Not Found", doc["title"])
}

func TestUnavailableCoordinator(t *testing.T) {
	srv := newTestServer(t, &fakeHarness{queueErr: queue.ErrUnavailable})

	resp, doc := doJSON(t, http.MethodGet, srv.URL+"/api/v1/queue/status", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "Service Unavailable", doc["title"])
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, &fakeHarness{})
	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
