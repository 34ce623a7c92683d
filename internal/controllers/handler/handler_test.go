package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"tasks/internal/appers"
	"tasks/internal/application/entity"
	"tasks/pkg/config"
	"tasks/pkg/httpserver"
	"tasks/pkg/metrics"

	"github.com/gofiber/fiber/v2"
	"github.com/gofrs/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeUseCase struct {
	created   []entity.CreateTaskRequest
	createErr error
	tasks     map[uuid.UUID]*entity.Task
	dbOK      bool
	brokerOK  bool
}

func (f *fakeUseCase) CreateTask(_ context.Context, req entity.CreateTaskRequest) (*entity.Task, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, req)
	return entity.NewTask(req.Name, req.Payload)
}

func (f *fakeUseCase) GetTask(_ context.Context, id uuid.UUID) (*entity.Task, error) {
	if t, ok := f.tasks[id]; ok {
		return t, nil
	}
	return nil, appers.ErrTaskNotFound
}

func (f *fakeUseCase) CleanupOutbox(context.Context) {}

func (f *fakeUseCase) HealthCheck(context.Context) (bool, bool, error) {
	if f.dbOK && f.brokerOK {
		return true, true, nil
	}
	return f.dbOK, f.brokerOK, errors.New("unhealthy")
}

func newTestApp(t *testing.T, uc *fakeUseCase) (*fiber.App, *metrics.Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	conf := &config.Config{}
	app := httpserver.NewFiber(conf.Server, m)
	NewRouter(NewTaskHandler(uc, zap.NewNop().Sugar()), app, conf,
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), zap.NewNop().Sugar()).RegisterRouter()
	return app, m, reg
}

func doJSON(t *testing.T, app *fiber.App, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			r = bytes.NewBufferString(b)
		default:
			raw, err := json.Marshal(b)
			require.NoError(t, err)
			r = bytes.NewReader(raw)
		}
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)

	out := map[string]any{}
	raw, _ := io.ReadAll(resp.Body)
	_ = json.Unmarshal(raw, &out)
	return resp, out
}

func TestCreateTask_Created(t *testing.T) {
	uc := &fakeUseCase{}
	app, _, _ := newTestApp(t, uc)

	resp, body := doJSON(t, app, http.MethodPost, "/v1/tasks", map[string]any{
		"name":    "resize image",
		"payload": map[string]any{"w": 640},
	})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "created", body["status"])
	_, err := uuid.FromString(body["id"].(string))
	assert.NoError(t, err)

	require.Len(t, uc.created, 1)
	assert.Equal(t, "resize image", uc.created[0].Name)
	assert.EqualValues(t, 640, uc.created[0].Payload["w"])
}

func TestCreateTask_BadRequests(t *testing.T) {
	tests := []struct {
		name string
		body any
	}{
		{"malformed json", `{"name":`},
		{"missing name", map[string]any{"payload": map[string]any{}}},
		{"control characters in name", map[string]any{"name": "two\nlines"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			uc := &fakeUseCase{}
			app, _, _ := newTestApp(t, uc)
			resp, _ := doJSON(t, app, http.MethodPost, "/v1/tasks", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Empty(t, uc.created)
		})
	}
}

func TestCreateTask_PersistenceFailureIs500(t *testing.T) {
	uc := &fakeUseCase{createErr: appers.NewPersistenceError("create task with outbox", errors.New("connection refused"))}
	app, _, _ := newTestApp(t, uc)

	resp, body := doJSON(t, app, http.MethodPost, "/v1/tasks", map[string]any{"name": "resize"})
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, body["detail"], "connection refused")
}

func TestCreateTask_DuplicateIs409(t *testing.T) {
	uc := &fakeUseCase{createErr: appers.ErrTaskAlreadyExists}
	app, _, _ := newTestApp(t, uc)

	resp, _ := doJSON(t, app, http.MethodPost, "/v1/tasks", map[string]any{"name": "resize"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestGetTask(t *testing.T) {
	errText := "boom"
	known := &entity.Task{ID: uuid.Must(uuid.NewV4()), Name: "resize", State: entity.TaskFailed, Attempts: 2, LastError: &errText}
	app, _, _ := newTestApp(t, &fakeUseCase{tasks: map[uuid.UUID]*entity.Task{known.ID: known}})

	resp, body := doJSON(t, app, http.MethodGet, "/v1/tasks/"+known.ID.String(), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, known.ID.String(), body["id"])
	assert.Equal(t, "failed", body["state"])
	assert.EqualValues(t, 2, body["attempts"])
	assert.Equal(t, "boom", body["last_error"])
	assert.Equal(t, map[string]any{}, body["payload"])

	resp, _ = doJSON(t, app, http.MethodGet, "/v1/tasks/"+uuid.Must(uuid.NewV4()).String(), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = doJSON(t, app, http.MethodGet, "/v1/tasks/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthCheck(t *testing.T) {
	tests := []struct {
		name       string
		db, broker bool
		wantCode   int
	}{
		{"healthy", true, true, http.StatusOK},
		{"db down", false, true, http.StatusServiceUnavailable},
		{"broker down", true, false, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app, _, _ := newTestApp(t, &fakeUseCase{dbOK: tt.db, brokerOK: tt.broker})
			resp, body := doJSON(t, app, http.MethodGet, "/health", nil)
			assert.Equal(t, tt.wantCode, resp.StatusCode)

			checks := body["checks"].(map[string]any)
			assert.Equal(t, tt.db, checks["database"].(map[string]any)["status"])
			assert.Equal(t, tt.broker, checks["broker"].(map[string]any)["status"])
		})
	}
}

func TestMetricsEndpointAndMiddleware(t *testing.T) {
	app, m, _ := newTestApp(t, &fakeUseCase{dbOK: true, brokerOK: true})

	id := uuid.Must(uuid.NewV4()).String()
	doJSON(t, app, http.MethodGet, "/v1/tasks/"+id, nil)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.API.HTTPRequestsTotal.WithLabelValues("GET", "/v1/tasks/:id", "404")))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	raw, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(raw), "tasks_api_http_requests_total")
}
