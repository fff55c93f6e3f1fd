package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/smallbiznis/spotify-session/internal/domain"
	domainoauth "github.com/smallbiznis/spotify-session/internal/domain/oauth"
)

// SessionHeader carries the opaque app session id.
const SessionHeader = "X-Session-Id"

const (
	sessionKey   = "appSession"
	sessionIDKey = "session_id"
)

// SessionValidator resolves a session id to a live session.
type SessionValidator interface {
	ValidateSession(ctx context.Context, sessionID string) (*domain.AppSession, error)
}

// Session guards routes that need a signed-in app session.
type Session struct {
	Validator SessionValidator
	Logger    *zap.Logger
}

// RequireSession rejects requests without a valid X-Session-Id.
func (m *Session) RequireSession(c *gin.Context) {
	sessionID := strings.TrimSpace(c.GetHeader(SessionHeader))
	if sessionID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "error_description": SessionHeader + " header required."})
		return
	}
	session, err := m.Validator.ValidateSession(c.Request.Context(), sessionID)
	if err != nil {
		if errors.Is(err, domainoauth.ErrUnauthorized) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "error_description": "Session is not valid. Please sign in again."})
			return
		}
		m.log().Error("session validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Internal server error."})
		return
	}
	c.Set(sessionKey, session)
	c.Set(sessionIDKey, session.ID)
	c.Next()
}

// GetSession exposes the validated session to handlers.
func GetSession(c *gin.Context) (*domain.AppSession, bool) {
	value, ok := c.Get(sessionKey)
	if !ok {
		return nil, false
	}
	session, ok := value.(*domain.AppSession)
	return session, ok && session != nil
}

// GetSessionID returns the validated session id, or "" when none was attached.
func GetSessionID(c *gin.Context) string {
	return c.GetString(sessionIDKey)
}

func (m *Session) log() *zap.Logger {
	if m != nil && m.Logger != nil {
		return m.Logger
	}
	return zap.L()
}
