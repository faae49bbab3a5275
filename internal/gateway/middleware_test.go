package gateway

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ridafkih/agent-session-gateway/internal/config"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	return NewServer(config.ServerConfig{}, config.SessionConfig{ReplayParserVersion: 3},
		nil, nil, nil, nil, nil, nil, nil, NewRequestRouter(t.TempDir()), slog.Default())
}

func TestMissingLabSessionHeaderIs400(t *testing.T) {
	s := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/history", nil)
	rec := httptest.NewRecorder()

	s.echo.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "X-Lab-Session-Id")
}

func TestHealthDoesNotRequireLabSessionHeader(t *testing.T) {
	s := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	s.echo.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestCORSPreflightIsPermittedWithoutHeader(t *testing.T) {
	s := testServer(t)
	req := httptest.NewRequest(http.MethodOptions, "/messages", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()

	s.echo.ServeHTTP(rec, req)
	require.NotEqual(t, http.StatusBadRequest, rec.Code)
}

func TestRequestIDIsEchoed(t *testing.T) {
	s := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	s.echo.ServeHTTP(rec, req)
	require.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestStaleReplayParserVersionIs400(t *testing.T) {
	s := testServer(t)
	req := httptest.NewRequest(http.MethodPost, "/replay-checkpoint",
		httpBody(`{"parserVersion":2,"lastSequence":41,"replayState":{}}`))
	req.Header.Set(labSessionHeader, "sess-1")
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	s.echo.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "Unsupported replay parser version")
}

func httpBody(s string) io.Reader {
	return strings.NewReader(s)
}
