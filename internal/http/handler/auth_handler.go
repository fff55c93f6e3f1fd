package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/smallbiznis/spotify-session/internal/config"
	"github.com/smallbiznis/spotify-session/internal/http/middleware"
	authsvc "github.com/smallbiznis/spotify-session/internal/service/auth"
)

// AuthHandler serves the Spotify sign-in flow and session endpoints.
type AuthHandler struct {
	OAuth         authsvc.OAuthService
	DefaultScopes []string
	errorResponder
}

// NewAuthHandler creates the handler set.
func NewAuthHandler(oauth authsvc.OAuthService, cfg config.Config, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		OAuth:          oauth,
		DefaultScopes:  cfg.Spotify.Scopes,
		errorResponder: errorResponder{debug: cfg.DebugErrors, logger: logger},
	}
}

// Start begins an authorization attempt. With ?redirect=1 the client is sent
// straight to Spotify; otherwise the URL and state are returned as JSON.
func (h *AuthHandler) Start(c *gin.Context) {
	scopes := h.DefaultScopes
	if scopeParam := strings.TrimSpace(c.Query("scope")); scopeParam != "" {
		scopes = strings.Fields(strings.ReplaceAll(scopeParam, ",", " "))
	}

	output, err := h.OAuth.StartAuth(c.Request.Context(), scopes)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	if isTruthy(c.Query("redirect")) {
		c.Redirect(http.StatusFound, output.AuthorizationURL)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"authorization_url": output.AuthorizationURL,
		"state":             output.State,
	})
}

// Callback completes the flow and redirects to the app deep link.
func (h *AuthHandler) Callback(c *gin.Context) {
	if providerErr := strings.TrimSpace(c.Query("error")); providerErr != "" {
		h.log().Warn("spotify authorization denied", zap.String("error", providerErr))
		c.JSON(http.StatusBadRequest, gin.H{"error": "access_denied", "error_description": "Spotify authorization was not granted: " + providerErr})
		return
	}

	deeplink, err := h.OAuth.HandleCallback(c.Request.Context(), authsvc.CallbackInput{
		Code:       c.Query("code"),
		State:      c.Query("state"),
		DeviceInfo: c.Request.UserAgent(),
	})
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.Redirect(http.StatusFound, deeplink)
}

// Logout tears the session down. Unknown sessions succeed too.
func (h *AuthHandler) Logout(c *gin.Context) {
	if err := h.OAuth.Logout(c.Request.Context(), c.GetHeader(middleware.SessionHeader)); err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Session describes the current session.
func (h *AuthHandler) Session(c *gin.Context) {
	session, ok := middleware.GetSession(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "error_description": "Session required."})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id":   session.ID,
		"device_info":  session.DeviceInfo,
		"created_at":   session.CreatedAt,
		"last_seen_at": session.LastSeenAt,
		"expires_at":   session.ExpiresAt,
	})
}

// Healthz reports liveness.
func Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes":
		return true
	}
	return false
}
