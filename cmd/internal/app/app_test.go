package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chorus/cmd/internal/auth"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func testConfig() Config {
	return Config{
		LogFormat:        "json",
		JWTSecret:        testSecret,
		RequestTimeout:   time.Second,
		RetractWindow:    time.Hour,
		WSOriginRequired: false,
		WSAllowedOrigins: []string{"http://localhost"},
	}
}

func newTestApp(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := New(context.Background(), cfg, log)
	require.NoError(t, err)

	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(a.hub.Close)
	return srv
}

func TestApp_HealthReadyMetrics(t *testing.T) {
	srv := newTestApp(t, testConfig())

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.NotEmpty(t, resp.Header.Get(RequestIDHeader), path)
	}

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestApp_ReadyRequiresDB(t *testing.T) {
	cfg := testConfig()
	cfg.ReadinessRequireDB = true
	srv := newTestApp(t, cfg)

	resp, err := http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestApp_ConversationRoutesRequireToken(t *testing.T) {
	srv := newTestApp(t, testConfig())

	resp, err := http.Get(srv.URL + "/conversations")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "Bearer")
}

func TestApp_EndToEndOverMemoryStore(t *testing.T) {
	srv := newTestApp(t, testConfig())

	call := func(user, method, path, body string) *http.Response {
		t.Helper()
		req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
		require.NoError(t, err)
		tok, err := auth.Issue(testSecret, "", auth.Principal{UserID: user}, time.Hour, time.Now())
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { _ = resp.Body.Close() })
		return resp
	}

	resp := call("alice", http.MethodPost, "/conversations", `{"otherUserId":"bob"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var conv struct {
		ID int64 `json:"id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&conv))

	resp = call("alice", http.MethodPost, "/conversations/"+itoa(conv.ID)+"/messages", `{"content":"hi"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = call("bob", http.MethodGet, "/conversations/unread-count", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var count struct {
		Count int64 `json:"count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&count))
	assert.Equal(t, int64(1), count.Count)
}

func TestConfig_Validate(t *testing.T) {
	cfg := testConfig()
	require.NoError(t, cfg.Validate())

	short := cfg
	short.JWTSecret = "short"
	assert.Error(t, short.Validate())

	badFormat := cfg
	badFormat.LogFormat = "xml"
	assert.Error(t, badFormat.Validate())

	badPool := cfg
	badPool.DBMaxConns = 2
	badPool.DBMinConns = 5
	assert.Error(t, badPool.Validate())
}

func TestLoadConfig_FromEnvironment(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CHORUS_JWT_SECRET", testSecret)
	t.Setenv("CHORUS_HTTP_ADDR", "127.0.0.1:9999")
	t.Setenv("CHORUS_WS_ALLOWED_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("CHORUS_RETRACT_WINDOW", "30m")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9999", cfg.HTTPAddr)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.WSAllowedOrigins)
	assert.Equal(t, 30*time.Minute, cfg.RetractWindow)
	assert.Equal(t, "chorus", cfg.DBSchema)
	assert.True(t, cfg.WSRequireMembership)

	gw := cfg.GatewayConfig()
	assert.Equal(t, cfg.WSAllowedOrigins, gw.AllowedOrigins)
	assert.Equal(t, cfg.RequestTimeout, gw.OpTimeout)
}

func TestLoadConfig_MissingSecret(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CHORUS_JWT_SECRET", "")

	_, err := LoadConfig()
	assert.Error(t, err)
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
