package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tlstransport "github.com/meshwire/meshwire/internal/tls"
	"github.com/meshwire/meshwire/pkg/config"
	"github.com/meshwire/meshwire/pkg/registry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func dispatchTestRequest(t *testing.T, method, path string, body []byte) *tlstransport.ServerResponse {
	t.Helper()

	reg := registry.New(map[string]registry.ServiceProfile{
		"users":  registry.NewServiceProfile("10.0.0.5:9443"),
		"orders": registry.NewServiceProfile("10.0.0.6:9443"),
	})

	dispatcher := newNodeDispatcher(testLogger())
	res, err := dispatcher(context.Background(), &tlstransport.ServerRequest{
		Method: method,
		Path:   path,
		Body:   body,
	}, newRouteTable(reg))
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func TestNodeDispatcher_ListServices(t *testing.T) {
	res := dispatchTestRequest(t, http.MethodGet, "/services", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	var payload struct {
		Total    int      `json:"total"`
		Count    int      `json:"count"`
		Entities []string `json:"entities"`
	}
	require.NoError(t, json.Unmarshal(res.Body, &payload))
	assert.Equal(t, 2, payload.Total)
	assert.Equal(t, []string{"orders", "users"}, payload.Entities)
}

func TestNodeDispatcher_GetService(t *testing.T) {
	res := dispatchTestRequest(t, http.MethodGet, "/services/users", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.JSONEq(t, `{"entity_name":"users","entity":{"addr":"10.0.0.5:9443"}}`, string(res.Body))
}

func TestNodeDispatcher_UnknownService(t *testing.T) {
	res := dispatchTestRequest(t, http.MethodGet, "/services/payments", nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.JSONEq(t, `{"id":0,"entity":"payments","error":"entity not found"}`, string(res.Body))
}

func TestNodeDispatcher_UnknownRoute(t *testing.T) {
	res := dispatchTestRequest(t, http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestNodeDispatcher_EchoFilters(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
	}{
		{name: "GET passes", method: http.MethodGet, path: "/echo/42", wantStatus: http.StatusOK},
		{name: "PUT with id passes", method: http.MethodPut, path: "/echo/42", wantStatus: http.StatusOK},
		{name: "PUT without id rejected", method: http.MethodPut, path: "/echo", wantStatus: http.StatusNotFound},
		{name: "POST without id passes", method: http.MethodPost, path: "/echo", wantStatus: http.StatusOK},
		{name: "POST with id rejected", method: http.MethodPost, path: "/echo/42", wantStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := dispatchTestRequest(t, tt.method, tt.path, []byte(`{"msg":"hi"}`))
			assert.Equal(t, tt.wantStatus, res.StatusCode)
		})
	}
}

func TestNodeDispatcher_EchoReflectsRequest(t *testing.T) {
	res := dispatchTestRequest(t, http.MethodPut, "/echo/42", []byte(`{"msg":"hi"}`))
	require.Equal(t, http.StatusOK, res.StatusCode)

	var payload struct {
		Method string            `json:"method"`
		Path   string            `json:"path"`
		Params map[string]string `json:"params"`
		Body   string            `json:"body"`
	}
	require.NoError(t, json.Unmarshal(res.Body, &payload))
	assert.Equal(t, "PUT", payload.Method)
	assert.Equal(t, "/echo/42", payload.Path)
	assert.Equal(t, "42", payload.Params["id"])
	assert.JSONEq(t, `{"msg":"hi"}`, payload.Body)
}

func TestApplyConfigUpdates_AdjustsLogLevel(t *testing.T) {
	updates := make(chan *config.Config, 1)
	logLevel := new(slog.LevelVar)
	logLevel.Set(slog.LevelInfo)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		applyConfigUpdates(ctx, updates, logLevel, testLogger())
		close(done)
	}()

	updates <- &config.Config{Logging: config.LoggingConfig{Level: "debug"}}
	require.Eventually(t, func() bool {
		return logLevel.Level() == slog.LevelDebug
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("update loop did not stop on context cancellation")
	}
}

func TestSplitPath(t *testing.T) {
	assert.Nil(t, splitPath("/"))
	assert.Equal(t, []string{"services"}, splitPath("/services"))
	assert.Equal(t, []string{"services", "users"}, splitPath("/services/users/"))
}
