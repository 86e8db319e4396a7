package backends

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowgate/pkg/schema"
)

func remoteNode(endpoint string) schema.AgentNode {
	return agent("review", schema.NodeConfig{Backend: schema.BackendRemote, Endpoint: endpoint, Model: "m"})
}

func TestValidateEndpoint(t *testing.T) {
	assert.NoError(t, ValidateEndpoint("http://localhost:8080/run"))
	assert.NoError(t, ValidateEndpoint("https://agents.example.com/run"))
	for _, bad := range []string{"", "file:///etc/passwd", "ftp://host/x", "gopher://h", "/relative", "http://"} {
		err := ValidateEndpoint(bad)
		assert.True(t, schema.IsCode(err, schema.ErrCodeValidation), "expected rejection of %q", bad)
	}
}

func TestRemote_Success(t *testing.T) {
	var got remoteRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"output":{"summary":"lgtm"},"cost_usd":0.5}`))
	}))
	defer srv.Close()

	r := NewRemote(RemoteConfig{PollInterval: 10 * time.Millisecond})
	out, err := r.Dispatch(context.Background(), Request{
		ExecutionID: "exec-1",
		Node:        remoteNode(srv.URL),
		Prompt:      "review this",
		Attempt:     2,
		Timeout:     time.Second,
	})
	require.NoError(t, err)
	assert.True(t, out.Succeeded())
	assert.Equal(t, map[string]any{"summary": "lgtm"}, out.Output)
	assert.InDelta(t, 0.5, out.CostUSD, 1e-9)
	assert.Equal(t, "review this", got.Prompt)
	assert.Equal(t, "review", got.NodeID)
	assert.Equal(t, 2, got.Attempt)
}

func TestRemote_Non2xxFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"overloaded"}`))
	}))
	defer srv.Close()

	r := NewRemote(RemoteConfig{PollInterval: 10 * time.Millisecond})
	out, err := r.Dispatch(context.Background(), Request{Node: remoteNode(srv.URL), Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, out.ExitCode)
	assert.Contains(t, out.Error, "overloaded")
}

func TestRemote_JSONReportedFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"message":"could not apply patch"}`))
	}))
	defer srv.Close()

	r := NewRemote(RemoteConfig{PollInterval: 10 * time.Millisecond})
	out, err := r.Dispatch(context.Background(), Request{Node: remoteNode(srv.URL), Timeout: time.Second})
	require.NoError(t, err)
	assert.False(t, out.Succeeded())
	assert.Equal(t, "could not apply patch", out.Error)
}

func TestRemote_RejectsNonHTTPScheme(t *testing.T) {
	r := NewRemote(RemoteConfig{})
	_, err := r.Dispatch(context.Background(), Request{Node: remoteNode("file:///etc/passwd")})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestRemote_AbortObservedByPolling(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	r := NewRemote(RemoteConfig{PollInterval: 20 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := r.Dispatch(ctx, Request{Node: remoteNode(srv.URL), Timeout: time.Minute})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeAborted))
	assert.Less(t, time.Since(start), time.Second)
}

func TestRemote_DeadlineIsTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	r := NewRemote(RemoteConfig{PollInterval: 10 * time.Millisecond})
	out, err := r.Dispatch(context.Background(), Request{Node: remoteNode(srv.URL), Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
	assert.True(t, out.TimedOut())
}

func TestRemote_BreakerOpensOnServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := NewRemote(RemoteConfig{PollInterval: 10 * time.Millisecond, Breaker: BreakerConfig{FailureThreshold: 2, Cooldown: time.Minute}})
	for i := 0; i < 2; i++ {
		out, err := r.Dispatch(context.Background(), Request{Node: remoteNode(srv.URL), Timeout: time.Second})
		require.NoError(t, err)
		assert.Equal(t, 500, out.ExitCode)
	}

	_, err := r.Dispatch(context.Background(), Request{Node: remoteNode(srv.URL), Timeout: time.Second})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeBackend))
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, BreakerOpen, r.Breakers().State(srv.URL))
}
