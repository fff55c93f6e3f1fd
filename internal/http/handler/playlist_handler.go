package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/smallbiznis/spotify-session/internal/config"
	"github.com/smallbiznis/spotify-session/internal/domain"
	"github.com/smallbiznis/spotify-session/internal/http/middleware"
)

// PlaylistService is the browsing surface the handler needs.
type PlaylistService interface {
	ListPlaylists(ctx context.Context, sessionID string, limit, offset int) (*domain.PlaylistPage, error)
	GetProfile(ctx context.Context, sessionID string) (*domain.Profile, error)
	SelectPlaylists(ctx context.Context, sessionID string, playlistIDs []string) ([]domain.PlaylistSelection, error)
	ListSelection(ctx context.Context, sessionID string) ([]domain.PlaylistSelection, error)
}

// PlaylistHandler serves profile and playlist endpoints for signed-in sessions.
type PlaylistHandler struct {
	Playlists PlaylistService
	errorResponder
}

// NewPlaylistHandler creates the handler set.
func NewPlaylistHandler(playlists PlaylistService, cfg config.Config, logger *zap.Logger) *PlaylistHandler {
	return &PlaylistHandler{
		Playlists:      playlists,
		errorResponder: errorResponder{debug: cfg.DebugErrors, logger: logger},
	}
}

// Me returns the Spotify profile behind the session.
func (h *PlaylistHandler) Me(c *gin.Context) {
	profile, err := h.Playlists.GetProfile(c.Request.Context(), middleware.GetSessionID(c))
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

// List returns a page of playlists.
func (h *PlaylistHandler) List(c *gin.Context) {
	limit, ok := queryInt(c, "limit")
	if !ok {
		return
	}
	offset, ok := queryInt(c, "offset")
	if !ok {
		return
	}
	page, err := h.Playlists.ListPlaylists(c.Request.Context(), middleware.GetSessionID(c), limit, offset)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

type selectionRequest struct {
	PlaylistIDs []string `json:"playlist_ids"`
}

// ReplaceSelection stores the playlists the user picked.
func (h *PlaylistHandler) ReplaceSelection(c *gin.Context) {
	var req selectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Body must be {\"playlist_ids\": [...]}."})
		return
	}
	selection, err := h.Playlists.SelectPlaylists(c.Request.Context(), middleware.GetSessionID(c), req.PlaylistIDs)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": selection})
}

// GetSelection lists the stored selection.
func (h *PlaylistHandler) GetSelection(c *gin.Context) {
	selection, err := h.Playlists.ListSelection(c.Request.Context(), middleware.GetSessionID(c))
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": selection})
}

func queryInt(c *gin.Context, key string) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": key + " must be an integer."})
		return 0, false
	}
	return n, true
}
