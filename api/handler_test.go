// delogo/api/handler_test.go
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"delogo/config"
	"delogo/scheduler"
	"delogo/task"
	"delogo/task/memstore"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

type mockJobs struct{}

func (m *mockJobs) Submit(_ context.Context, _ string, _ []task.Region) (string, error) {
	return "vendor-job", nil
}

func (m *mockJobs) Poll(_ context.Context, _ string) (*task.PollResult, error) {
	return &task.PollResult{State: task.JobInProgress}, nil
}

type mockBilling struct{}

func (mockBilling) Charge(context.Context, task.ChargeRequest) error { return nil }

type testEnv struct {
	router *gin.Engine
	cfg    *config.Config
	tm     *task.Manager
	sch    *scheduler.Scheduler
	runs   *int32
}

func setupTestRouter(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		AuthEnable:  false,
		ArtifactDir: t.TempDir(),
	}
	tm, err := task.NewManager(memstore.New(), &mockJobs{}, mockBilling{}, task.Options{
		Policy: task.DefaultPolicy(),
		Logger: zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	var runs int32
	// manual runs finish on their own goroutine, after the test may have returned
	sch := scheduler.New(zap.NewNop())
	require.NoError(t, sch.Add(scheduler.NewJob("sync", time.Hour, func(context.Context) error {
		atomic.AddInt32(&runs, 1)
		return nil
	}, nil)))
	t.Cleanup(sch.StopAll)

	router := SetupRouter(context.Background(), tm, sch, cfg, zaptest.NewLogger(t))
	return &testEnv{router: router, cfg: cfg, tm: tm, sch: sch, runs: &runs}
}

func (e *testEnv) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	e.router.ServeHTTP(w, req)
	return w
}

const validTask = `{"userId":"u1","inputRef":"https://cdn.example.com/in.mp4","regions":[{"x":0.7,"y":0.05,"width":0.25,"height":0.1}],"creditCost":10}`

func TestHandleCreateTask(t *testing.T) {
	env := setupTestRouter(t)

	w := env.do("POST", "/api/v1/tasks", validTask)
	assert.Equal(t, http.StatusAccepted, w.Code)

	var resp struct {
		TaskID        string `json:"taskId"`
		Status        string `json:"status"`
		EstimatedTime int    `json:"estimatedTime"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.TaskID)
	assert.Equal(t, "processing", resp.Status)
	assert.Equal(t, 120, resp.EstimatedTime)
	assert.NotEmpty(t, w.Header().Get(traceHeader))

	view, err := env.tm.Status(context.Background(), resp.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusProcessing, view.Status)
}

func TestHandleCreateTask_Validation(t *testing.T) {
	env := setupTestRouter(t)

	cases := map[string]string{
		"malformed json":   `{`,
		"missing user":     `{"inputRef":"x","regions":[{"x":0,"y":0,"width":1,"height":1}]}`,
		"no regions":       `{"userId":"u1","inputRef":"x","regions":[]}`,
		"region off frame": `{"userId":"u1","inputRef":"x","regions":[{"x":0.9,"y":0,"width":0.5,"height":0.1}]}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			w := env.do("POST", "/api/v1/tasks", body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestHandleGetTaskStatus(t *testing.T) {
	env := setupTestRouter(t)

	res, err := env.tm.Submit(context.Background(), task.SubmitRequest{
		UserID:   "u1",
		InputRef: "https://cdn.example.com/in.mp4",
		Regions:  []task.Region{{X: 0.1, Y: 0.1, Width: 0.1, Height: 0.1}},
	})
	require.NoError(t, err)
	_, err = env.tm.MarkCompleted(context.Background(), res.TaskID, "https://vendor.example.com/out.mp4", nil)
	require.NoError(t, err)

	w := env.do("GET", "/api/v1/tasks/"+res.TaskID, "")
	assert.Equal(t, http.StatusOK, w.Code)

	var view task.StatusView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, res.TaskID, view.TaskID)
	assert.Equal(t, task.StatusCompleted, view.Status)
	require.NotNil(t, view.ResultRef)
	assert.Equal(t, "https://vendor.example.com/out.mp4", *view.ResultRef)

	// Test Not Found
	w = env.do("GET", "/api/v1/tasks/nonexistent", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleCancelTask(t *testing.T) {
	env := setupTestRouter(t)

	res, err := env.tm.Submit(context.Background(), task.SubmitRequest{
		UserID:   "u1",
		InputRef: "https://cdn.example.com/in.mp4",
		Regions:  []task.Region{{X: 0.1, Y: 0.1, Width: 0.1, Height: 0.1}},
	})
	require.NoError(t, err)

	w := env.do("PATCH", "/api/v1/tasks/"+res.TaskID+"/cancel", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do("PATCH", "/api/v1/tasks/"+res.TaskID+"/cancel", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do("PATCH", "/api/v1/tasks/nonexistent/cancel", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSchedulerEndpoints(t *testing.T) {
	env := setupTestRouter(t)

	w := env.do("GET", "/api/v1/scheduler/jobs", "")
	assert.Equal(t, http.StatusOK, w.Code)
	var jobs []scheduler.JobInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, "sync", jobs[0].Name)
	assert.False(t, jobs[0].Active)

	w = env.do("POST", "/api/v1/scheduler/jobs/sync/run", "")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(env.runs) == 1 && !env.sch.Jobs()[0].Running
	}, time.Second, 5*time.Millisecond)

	w = env.do("POST", "/api/v1/scheduler/jobs/sync/start", "")
	assert.Equal(t, http.StatusOK, w.Code)
	var info scheduler.JobInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.True(t, info.Active)

	w = env.do("POST", "/api/v1/scheduler/jobs/sync/stop", "")
	assert.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.False(t, info.Active)

	w = env.do("POST", "/api/v1/scheduler/jobs/nope/run", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleGetFile(t *testing.T) {
	env := setupTestRouter(t)
	require.NoError(t, os.WriteFile(filepath.Join(env.cfg.ArtifactDir, "abc.mp4"), []byte("data"), 0o644))

	w := env.do("GET", "/files/abc.mp4", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "data", w.Body.String())

	w = env.do("GET", "/files/missing.mp4", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAuthMiddleware(t *testing.T) {
	env := setupTestRouter(t)
	cfg := env.cfg

	t.Run("Auth disabled", func(t *testing.T) {
		cfg.AuthEnable = false
		w := env.do("GET", "/api/v1/scheduler/jobs", "")
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("Auth enabled, no token", func(t *testing.T) {
		cfg.AuthEnable = true
		cfg.AuthKey = "secret"
		w := env.do("GET", "/api/v1/scheduler/jobs", "")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("Auth enabled, wrong token", func(t *testing.T) {
		cfg.AuthEnable = true
		cfg.AuthKey = "secret"
		w := env.do("GET", "/api/v1/scheduler/jobs", "", "Authorization", "Bearer wrong-key")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("Auth enabled, correct token", func(t *testing.T) {
		cfg.AuthEnable = true
		cfg.AuthKey = "secret"
		w := env.do("GET", "/api/v1/scheduler/jobs", "", "Authorization", "Bearer secret")
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("Health needs no token", func(t *testing.T) {
		cfg.AuthEnable = true
		w := env.do("GET", "/health", "")
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestTraceMiddleware_ReusesCallerID(t *testing.T) {
	env := setupTestRouter(t)
	w := env.do("GET", "/health", "", traceHeader, "caller-trace")
	assert.Equal(t, "caller-trace", w.Header().Get(traceHeader))
}
