package http

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/spotify-session/internal/config"
	"github.com/smallbiznis/spotify-session/internal/http/handler"
	httpmiddleware "github.com/smallbiznis/spotify-session/internal/http/middleware"
)

func TestNewRouterRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := config.Config{ServiceName: "spotify-session"}
	r := NewRouter(
		cfg,
		handler.NewAuthHandler(nil, cfg, zap.NewNop()),
		handler.NewPlaylistHandler(nil, cfg, zap.NewNop()),
		&httpmiddleware.Session{Logger: zap.NewNop()},
		nil,
		nil,
		zap.NewNop(),
	)

	got := map[string]bool{}
	for _, route := range r.Routes() {
		got[route.Method+" "+route.Path] = true
	}
	for _, want := range []string{
		"GET /healthz",
		"GET /auth/spotify/start",
		"GET /auth/spotify/callback",
		"POST /auth/logout",
		"GET /auth/session",
		"GET /me",
		"GET /playlists",
		"GET /playlists/selection",
		"PUT /playlists/selection",
	} {
		require.True(t, got[want], "missing route %s", want)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me", nil))
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))
	require.Equal(t, http.StatusNotFound, w.Code)
	require.False(t, got["GET /metrics"], "metrics route needs a provider")
}
