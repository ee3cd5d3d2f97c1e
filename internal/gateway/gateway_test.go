// ABOUTME: Tests for gateway wiring, REST routes, health and lifecycle
// ABOUTME: Runs a real gateway on a temp SQLite database behind httptest

package gateway

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/quill-gateway/internal/config"
	"github.com/2389/quill-gateway/internal/message"
)

// testConfig creates a minimal config backed by a temp database.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Server:   config.ServerConfig{HTTPAddr: "127.0.0.1:0"},
		Database: config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "quill.db")},
		Auth:     config.AuthConfig{JWTSecret: "gateway-test-secret-0123456789abcdef"},
		Logging:  config.LoggingConfig{Level: "info", Format: "text"},
	}
	cfg.ApplyDefaults()
	cfg.Broker.RequestTimeout = 2 * time.Second
	return cfg
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testGateway struct {
	gw  *Gateway
	srv *httptest.Server
}

func newTestGateway(t *testing.T, cfg *config.Config, start bool) *testGateway {
	t.Helper()
	gw, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if start {
		require.NoError(t, gw.Start(t.Context()))
	}
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = gw.Shutdown(context.Background())
	})
	return &testGateway{gw: gw, srv: srv}
}

func (tg *testGateway) do(t *testing.T, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(t.Context(), method, tg.srv.URL+path, rdr)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

// signup registers and logs in a user, returning its token and id.
func (tg *testGateway) signup(t *testing.T, username string) (token, id string) {
	t.Helper()
	status, body := tg.do(t, http.MethodPost, "/api/users/register", "", map[string]any{
		"username": username, "email": username + "@example.com", "password": "secret1",
	})
	require.Equal(t, http.StatusCreated, status, body)

	status, body = tg.do(t, http.MethodPost, "/api/users/login", "", map[string]any{
		"username": username, "password": "secret1",
	})
	require.Equal(t, http.StatusOK, status, body)
	return body["token"].(string), body["user"].(map[string]any)["id"].(string)
}

func TestGatewayNew(t *testing.T) {
	tg := newTestGateway(t, testConfig(t), false)
	gw := tg.gw

	assert.Len(t, gw.broker.Agents(), 3)
	assert.Nil(t, gw.relay)
	assert.NotNil(t, gw.revoked)
	assert.False(t, gw.broker.Ready())
}

func TestHealthEndpoints(t *testing.T) {
	idle := newTestGateway(t, testConfig(t), false)
	status, _ := idle.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, status)
	status, body := idle.do(t, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "not ready", body["status"])

	running := newTestGateway(t, testConfig(t), true)
	status, body = running.do(t, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 3, body["agents"])
}

func TestGRPCHealthTracksReadiness(t *testing.T) {
	tg := newTestGateway(t, testConfig(t), false)
	req := &healthpb.HealthCheckRequest{Service: BrokerHealthService}

	resp, err := tg.gw.health.Check(t.Context(), req)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.GetStatus())

	require.NoError(t, tg.gw.Start(t.Context()))
	resp, err = tg.gw.health.Check(t.Context(), req)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}

func TestStatusForKind(t *testing.T) {
	tests := []struct {
		kind message.Kind
		want int
	}{
		{message.KindValidation, http.StatusBadRequest},
		{message.KindUnauthenticated, http.StatusUnauthorized},
		{message.KindAuthorization, http.StatusForbidden},
		{message.KindNotFound, http.StatusNotFound},
		{message.KindConflict, http.StatusConflict},
		{message.KindInternal, http.StatusInternalServerError},
		{message.Kind("odd"), http.StatusBadRequest},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusForKind(tt.kind), tt.kind)
	}
}

func TestUserRoutes(t *testing.T) {
	tg := newTestGateway(t, testConfig(t), true)
	token, id := tg.signup(t, "alice")

	status, body := tg.do(t, http.MethodPost, "/api/users/register", "", map[string]any{
		"username": "alice", "email": "other@example.com", "password": "secret1",
	})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "Username already taken", body["error"])

	status, body = tg.do(t, http.MethodPost, "/api/users/login", "", map[string]any{
		"username": "alice", "password": "wrong-password",
	})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "Invalid credentials", body["error"])

	status, body = tg.do(t, http.MethodGet, "/api/users/me", token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "alice@example.com", body["user"].(map[string]any)["email"])

	status, body = tg.do(t, http.MethodPut, "/api/users/me", token, map[string]any{"bio": "writer"})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "writer", body["user"].(map[string]any)["bio"])

	status, body = tg.do(t, http.MethodGet, "/api/users/"+id, "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.NotContains(t, body["user"].(map[string]any), "email")

	status, _ = tg.do(t, http.MethodGet, "/api/users/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = tg.do(t, http.MethodPost, "/api/users/logout", token, nil)
	require.Equal(t, http.StatusOK, status)
	status, body = tg.do(t, http.MethodGet, "/api/users/me", token, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "invalid token", body["error"])
}

func TestDocumentRoutes(t *testing.T) {
	tg := newTestGateway(t, testConfig(t), true)
	alice, _ := tg.signup(t, "alice")
	bob, _ := tg.signup(t, "bob")

	status, _ := tg.do(t, http.MethodPost, "/api/documents", "", map[string]any{"title": "x"})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, body := tg.do(t, http.MethodPost, "/api/documents", alice, map[string]any{
		"title": "Plan", "content": "first line\n",
	})
	require.Equal(t, http.StatusCreated, status, body)
	docID := body["document"].(map[string]any)["id"].(string)
	path := "/api/documents/" + docID

	status, _ = tg.do(t, http.MethodGet, path, bob, nil)
	assert.Equal(t, http.StatusForbidden, status)
	status, _ = tg.do(t, http.MethodGet, "/api/documents/missing", alice, nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, body = tg.do(t, http.MethodPost, path+"/share", alice, map[string]any{"email": "bob@example.com"})
	require.Equal(t, http.StatusOK, status, body)

	status, body = tg.do(t, http.MethodPut, path, bob, map[string]any{
		"content": "first line\nsecond line\n", "expected_version": 1,
	})
	require.Equal(t, http.StatusOK, status, body)
	assert.EqualValues(t, 2, body["document"].(map[string]any)["edit_version"])

	status, body = tg.do(t, http.MethodPut, path, alice, map[string]any{
		"content": "stale", "expected_version": 1,
	})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, true, body["conflict"])
	assert.Equal(t, "first line\nsecond line\n", body["server_content"])

	status, body = tg.do(t, http.MethodGet, path+"/collaborators", alice, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["collaborators"], 1)

	status, body = tg.do(t, http.MethodGet, "/api/documents", alice, nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, body["count"])
	status, body = tg.do(t, http.MethodGet, "/api/documents", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 0, body["count"])

	status, _ = tg.do(t, http.MethodDelete, path+"/share/bob@example.com", alice, nil)
	require.Equal(t, http.StatusOK, status)
	status, _ = tg.do(t, http.MethodDelete, path, bob, nil)
	assert.Equal(t, http.StatusForbidden, status)
	status, _ = tg.do(t, http.MethodDelete, path, alice, nil)
	assert.Equal(t, http.StatusOK, status)
	status, _ = tg.do(t, http.MethodGet, path, alice, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestVersionRoutes(t *testing.T) {
	tg := newTestGateway(t, testConfig(t), true)
	alice, _ := tg.signup(t, "alice")

	_, body := tg.do(t, http.MethodPost, "/api/documents", alice, map[string]any{"title": "Essay", "content": "one\n"})
	path := "/api/documents/" + body["document"].(map[string]any)["id"].(string)

	// The initial version is created asynchronously by the document agent.
	require.Eventually(t, func() bool {
		status, body := tg.do(t, http.MethodGet, path+"/versions", alice, nil)
		return status == http.StatusOK && body["total_versions"] == float64(1)
	}, 2*time.Second, 20*time.Millisecond)

	status, body := tg.do(t, http.MethodPut, path, alice, map[string]any{"content": "two\n"})
	require.Equal(t, http.StatusOK, status, body)
	status, body = tg.do(t, http.MethodPost, path+"/versions", alice, map[string]any{"change_summary": "second"})
	require.Equal(t, http.StatusCreated, status, body)
	assert.EqualValues(t, 2, body["version"].(map[string]any)["version_number"])

	status, body = tg.do(t, http.MethodPost, path+"/versions", alice, nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, true, body["no_changes"])

	status, body = tg.do(t, http.MethodPost, path+"/compare", alice, map[string]any{"version1": 1, "version2": "current"})
	require.Equal(t, http.StatusOK, status, body)
	diff := body["diff"].(map[string]any)
	assert.Contains(t, diff["diff_text"], "+two")

	status, body = tg.do(t, http.MethodPost, path+"/compare", "", map[string]any{"version1": 1, "version2": 2})
	assert.Equal(t, http.StatusForbidden, status, body)

	status, body = tg.do(t, http.MethodPost, path+"/revert", alice, map[string]any{"version_number": 1})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "one\n", body["document"].(map[string]any)["content"])

	status, body = tg.do(t, http.MethodGet, path+"/contributions", alice, nil)
	require.Equal(t, http.StatusOK, status, body)
	assert.EqualValues(t, 1, body["total_contributors"])
}

func TestRequestTimeout(t *testing.T) {
	cfg := testConfig(t)
	cfg.Broker.RequestTimeout = 50 * time.Millisecond
	tg := newTestGateway(t, cfg, false)

	status, body := tg.do(t, http.MethodPost, "/api/users/register", "", map[string]any{
		"username": "alice", "email": "a@example.com", "password": "secret1",
	})
	assert.Equal(t, http.StatusGatewayTimeout, status)
	assert.Equal(t, "request timed out", body["error"])
}

func TestInvalidBody(t *testing.T) {
	tg := newTestGateway(t, testConfig(t), true)

	req, err := http.NewRequest(http.MethodPost, tg.srv.URL+"/api/users/login", bytes.NewBufferString("{nope"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEventsAndStats(t *testing.T) {
	tg := newTestGateway(t, testConfig(t), true)
	alice, _ := tg.signup(t, "alice")
	_, body := tg.do(t, http.MethodPost, "/api/documents", alice, map[string]any{"title": "Doc"})
	docID := body["document"].(map[string]any)["id"].(string)

	status, body := tg.do(t, http.MethodGet, "/api/events?type=document_created", alice, nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, body["count"])
	events := body["events"].([]any)
	assert.Equal(t, docID, events[0].(map[string]any)["document_id"])

	status, _ = tg.do(t, http.MethodGet, "/api/events?limit=zero", alice, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = tg.do(t, http.MethodGet, "/api/events", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, body = tg.do(t, http.MethodGet, "/api/stats", alice, nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 3, body["broker"].(map[string]any)["total_agents"])
	assert.Contains(t, body, "events")
	assert.Contains(t, body, "connections")
	assert.NotContains(t, body, "relay")
}

func TestRunStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	cfg := testConfig(t)
	cfg.Server.HTTPAddr = addr
	gw, err := New(cfg, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/health/ready")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}
