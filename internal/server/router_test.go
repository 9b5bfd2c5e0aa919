//go:build !windows

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mng "github.com/zgsm-ai/tunnel-starter/internal/manager"
)

const testBasePath = "/tunnel-starter/api/v1"

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	mgr := mng.New(mng.Options{CommandTemplate: "sleep 60", TerminationTimeout: 2 * time.Second})
	t.Cleanup(func() { _ = mgr.Shutdown(context.Background()) })
	srv := httptest.NewServer(NewRouter(mgr, testBasePath, false).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(buf))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func createTunnel(t *testing.T, srv *httptest.Server, app, version string, port int) map[string]any {
	t.Helper()
	resp := postJSON(t, srv.URL+testBasePath+"/tunnels", map[string]any{
		"app": app, "version": version, "port": port,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view map[string]any
	decodeBody(t, resp, &view)
	return view
}

func TestCreateTunnelEndpoint(t *testing.T) {
	srv := newTestServer(t)

	view := createTunnel(t, srv, "web", "v1.2.3", 19200)
	assert.Equal(t, "web", view["name"])
	assert.Equal(t, "v1.2.3", view["version"])
	assert.Equal(t, float64(19200), view["localPort"])
	assert.Equal(t, "running", view["status"])
	assert.Greater(t, view["pid"], float64(0))
}

func TestCreateTunnelErrors(t *testing.T) {
	srv := newTestServer(t)
	url := srv.URL + testBasePath + "/tunnels"

	// Malformed body.
	resp, err := http.Post(url, "application/json", bytes.NewBufferString("{not json"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var e errorResp
	decodeBody(t, resp, &e)
	assert.Contains(t, e.Error, "invalid JSON")

	// Empty app name.
	resp = postJSON(t, url, map[string]any{"app": "", "version": "v1.0", "port": 19201})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	decodeBody(t, resp, &e)
	assert.Contains(t, e.Error, "app")

	// Port out of range.
	resp = postJSON(t, url, map[string]any{"app": "web", "version": "v1.0", "port": 0})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	// Duplicate (app, version).
	createTunnel(t, srv, "web", "v1.0", 19202)
	resp = postJSON(t, url, map[string]any{"app": "web", "version": "v1.0", "port": 19203})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	decodeBody(t, resp, &e)
	assert.NotEmpty(t, e.Error)
}

func TestDeleteTunnelEndpoint(t *testing.T) {
	srv := newTestServer(t)
	createTunnel(t, srv, "web", "v1.0", 19210)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+testBasePath+"/tunnels/web/v1.0", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var dr deleteResp
	decodeBody(t, resp, &dr)
	assert.Equal(t, "web", dr.AppName)
	assert.Equal(t, "success", dr.Status)

	// Gone now.
	resp, err = http.DefaultClient.Do(req.Clone(context.Background()))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestGetTunnelEndpoint(t *testing.T) {
	srv := newTestServer(t)
	createTunnel(t, srv, "web", "v1.0", 19220)
	createTunnel(t, srv, "web", "v2.0", 19221)

	// Exact (app, version).
	resp, err := http.Get(srv.URL + testBasePath + "/tunnels/web/v1.0")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view map[string]any
	decodeBody(t, resp, &view)
	assert.Equal(t, float64(19220), view["localPort"])

	// App only resolves the most recently opened live tunnel.
	resp, err = http.Get(srv.URL + testBasePath + "/tunnels/web")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &view)
	assert.Equal(t, "v2.0", view["version"])

	resp, err = http.Get(srv.URL + testBasePath + "/tunnels/missing/v1.0")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	var e errorResp
	decodeBody(t, resp, &e)
	assert.NotEmpty(t, e.Error)
}

func TestListTunnelsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	for i := 0; i < 3; i++ {
		createTunnel(t, srv, fmt.Sprintf("svc-%d", i), "v1.0", 19230+i)
	}

	resp, err := http.Get(srv.URL + testBasePath + "/tunnels")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var views []map[string]any
	decodeBody(t, resp, &views)
	assert.Len(t, views, 3)

	resp, err = http.Get(srv.URL + testBasePath + "/tunnels?app=svc-1")
	require.NoError(t, err)
	decodeBody(t, resp, &views)
	require.Len(t, views, 1)
	assert.Equal(t, "svc-1", views[0]["name"])
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	buf := new(bytes.Buffer)
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "OK", buf.String())
}

func TestHealthAfterShutdown(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mgr := mng.New(mng.Options{CommandTemplate: "sleep 60", TerminationTimeout: 2 * time.Second})
	srv := httptest.NewServer(NewRouter(mgr, testBasePath, false).Handler())
	defer srv.Close()

	require.NoError(t, mgr.Shutdown(context.Background()))

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestSanitizeBase(t *testing.T) {
	cases := map[string]string{
		"":                      "",
		"/":                     "",
		"tunnel-starter/api/v1": "/tunnel-starter/api/v1",
		"/api/v1/":              "/api/v1",
	}
	for in, want := range cases {
		assert.Equal(t, want, sanitizeBase(in), "input %q", in)
	}
}
