package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	domainoauth "github.com/smallbiznis/spotify-session/internal/domain/oauth"
)

// errorResponder maps service errors onto JSON error bodies.
type errorResponder struct {
	debug  bool
	logger *zap.Logger
}

func (r errorResponder) log() *zap.Logger {
	if r.logger != nil {
		return r.logger
	}
	return zap.L()
}

func (r errorResponder) respondServiceError(c *gin.Context, err error) {
	logger := r.log()
	switch {
	case errors.Is(err, domainoauth.ErrValidation):
		logger.Warn("invalid request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": err.Error()})
	case errors.Is(err, domainoauth.ErrInvalidState):
		logger.Warn("invalid oauth state", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_state", "error_description": "Authorization attempt is unknown or expired. Please sign in again."})
	case errors.Is(err, domainoauth.ErrMissingTokenSet):
		logger.Warn("session has no credentials", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "reauthenticate", "error_description": "No Spotify credentials for this session. Please sign in again."})
	case errors.Is(err, domainoauth.ErrUnauthorized):
		logger.Warn("unauthorized", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "error_description": "Session is not valid. Please sign in again."})
	case errors.Is(err, domainoauth.ErrTokenExchangeFailed):
		logger.Warn("spotify request failed", zap.Error(err))
		body := gin.H{"error": "provider_error", "error_description": "Spotify could not complete the request. Please try again."}
		var perr *domainoauth.ProviderError
		if r.debug && errors.As(err, &perr) {
			body["provider_status"] = perr.StatusCode
			body["provider_reason"] = perr.Reason
			body["provider_code"] = perr.Code
			body["provider_detail"] = perr.Detail
		}
		c.JSON(http.StatusBadGateway, body)
	default:
		logger.Error("service failure", zap.Error(err))
		body := gin.H{"error": "server_error", "error_description": "Internal server error."}
		if r.debug {
			body["debug"] = err.Error()
		}
		c.JSON(http.StatusInternalServerError, body)
	}
}
