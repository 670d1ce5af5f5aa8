package gatewayclient

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Sessions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sessions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]SessionView{
			{DeviceIdentity: "abc123", State: "Open", QueueDepth: 2},
		})
	}))
	defer srv.Close()

	cl := New(srv.URL, time.Second)
	sessions, err := cl.Sessions(t.Context())
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "abc123", sessions[0].DeviceIdentity)
	assert.Equal(t, "Open", sessions[0].State)
}

func TestClient_DecodesProblemOnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/problem+json")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(Problem{
			Type:      "https://wasmbed.io/problems/conflict",
			Title:     "Conflict",
			Status:    http.StatusConflict,
			Detail:    "device is not connected",
			RequestID: "req-1",
			Code:      "device_not_connected",
		})
	}))
	defer srv.Close()

	cl := New(srv.URL, time.Second)
	err := cl.Disconnect(t.Context(), "dev-1")
	require.Error(t, err)

	var p *Problem
	require.ErrorAs(t, err, &p)
	assert.Equal(t, "device_not_connected", p.Code)
	assert.Equal(t, "req-1", p.RequestID)
	assert.Contains(t, p.Error(), "device_not_connected")
}

func TestClient_DeployEncodesRequestBody(t *testing.T) {
	var got DeployRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/devices/dev-1/deploy", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(CommandResult{Kind: "DeployAck"})
	}))
	defer srv.Close()

	cl := New(srv.URL, time.Second)
	res, err := cl.Deploy(t.Context(), "dev-1", DeployRequest{
		ApplicationName: "counter",
		WasmBytesBase64: "AAA=",
		AutoRestart:     true,
	})
	require.NoError(t, err)
	assert.Equal(t, "DeployAck", res.Kind)
	assert.Equal(t, "counter", got.ApplicationName)
	assert.True(t, got.AutoRestart)
}

func TestClient_NonProblemErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream unavailable"))
	}))
	defer srv.Close()

	cl := New(srv.URL, time.Second)
	err := cl.Health(t.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
