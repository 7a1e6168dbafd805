package rest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bwu32/canbus/internal/canbus/engine/enginetest"
)

func newTestRouter(t *testing.T, rps float64, burst int) (*Router, *enginetest.Simulator) {
	t.Helper()
	sim := enginetest.New()
	return NewRouter(sim, nil, rps, burst), sim
}

func do(t *testing.T, r http.Handler, method, path, body string) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(method, path, reader))

	var resp Response
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func TestQueries(t *testing.T) {
	r, _ := newTestRouter(t, 100, 100)

	rec, resp := do(t, r, http.MethodGet, "/api/v1/state", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, resp.Code)
	state := resp.Data.(map[string]interface{})
	assert.Equal(t, "test-run", state["run_id"])
	assert.Contains(t, state, "bus_stats")
	assert.Contains(t, state, "controllers")

	rec, resp = do(t, r, http.MethodGet, "/api/v1/attacks", "")
	require.Equal(t, http.StatusOK, rec.Code)
	status := resp.Data.(map[string]interface{})
	assert.Len(t, status["statistics"], 3)

	rec, resp = do(t, r, http.MethodGet, "/api/v1/graph", "")
	require.Equal(t, http.StatusOK, rec.Code)
	graph := resp.Data.(map[string]interface{})
	assert.Len(t, graph["links"], 1)

	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestToggleSecurity(t *testing.T) {
	r, sim := newTestRouter(t, 100, 100)

	rec, resp := do(t, r, http.MethodPut, "/api/v1/security/encryption", `{"enabled": true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "encryption set to true", resp.Message)
	assert.True(t, sim.Measure("encryption"))

	rec, _ = do(t, r, http.MethodPut, "/api/v1/security/encryption", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(t, r, http.MethodPut, "/api/v1/security/encryption", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, resp = do(t, r, http.MethodPut, "/api/v1/security/firewall", `{"enabled": true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, resp.Message, "firewall")

	assert.Equal(t, 1, sim.Toggles())
}

func TestAttackCommands(t *testing.T) {
	r, _ := newTestRouter(t, 100, 100)

	rec, resp := do(t, r, http.MethodPost, "/api/v1/attacks/spoofing/start", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "spoofing started", resp.Message)

	rec, _ = do(t, r, http.MethodPost, "/api/v1/attacks/spoofing/start", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, _ = do(t, r, http.MethodPost, "/api/v1/attacks/unknown/start", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, _ = do(t, r, http.MethodPost, "/api/v1/attacks/spoofing/stop", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = do(t, r, http.MethodPost, "/api/v1/attacks/spoofing/stop", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestWrongMethod(t *testing.T) {
	r, sim := newTestRouter(t, 100, 100)

	for _, tc := range []struct {
		method, path string
	}{
		{http.MethodGet, "/api/v1/attacks/spoofing/start"},
		{http.MethodPut, "/api/v1/attacks/spoofing/stop"},
		{http.MethodGet, "/api/v1/security/encryption"},
		{http.MethodPost, "/api/v1/state"},
		{http.MethodDelete, "/api/v1/attacks"},
		{http.MethodPost, "/api/v1/graph"},
		{http.MethodPost, "/health"},
		{http.MethodPost, "/metrics"},
	} {
		rec, resp := do(t, r, tc.method, tc.path, `{"enabled": true}`)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, "%s %s", tc.method, tc.path)
		assert.Equal(t, http.StatusMethodNotAllowed, resp.Code, "%s %s", tc.method, tc.path)
	}

	assert.Zero(t, sim.Toggles())
	assert.Empty(t, sim.GetAttackStatus().ActiveAttacks)
}

func TestUnknownRoute(t *testing.T) {
	r, _ := newTestRouter(t, 100, 100)

	rec, resp := do(t, r, http.MethodGet, "/api/v2/state", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestCommandThrottling(t *testing.T) {
	r, _ := newTestRouter(t, 0, 1)

	rec, _ := do(t, r, http.MethodPost, "/api/v1/attacks/replay/start", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec, resp := do(t, r, http.MethodPost, "/api/v1/attacks/replay/stop", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, http.StatusTooManyRequests, resp.Code)

	// 查询不受限流影响
	rec, _ = do(t, r, http.MethodGet, "/api/v1/state", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	r, _ := newTestRouter(t, 100, 100)

	rec, _ := do(t, r, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	do(t, r, http.MethodPost, "/api/v1/attacks/replay/start", "")
	do(t, r, http.MethodPut, "/api/v1/security/ids", `{"enabled": false}`)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `cansim_commands_total{command="/api/v1/attacks/{name}/start",result="ok"} 1`)
	assert.Contains(t, body, `cansim_commands_total{command="/api/v1/security/{measure}",result="ok"} 1`)
}

func TestPreflight(t *testing.T) {
	r, _ := newTestRouter(t, 100, 100)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/v1/security/ids", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "PUT")
}
