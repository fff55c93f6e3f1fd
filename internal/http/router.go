package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/smallbiznis/spotify-session/internal/config"
	"github.com/smallbiznis/spotify-session/internal/http/handler"
	httpmiddleware "github.com/smallbiznis/spotify-session/internal/http/middleware"
	"github.com/smallbiznis/spotify-session/internal/middleware"
	"github.com/smallbiznis/spotify-session/internal/telemetry"
)

// NewRouter wires Gin routes and middleware.
func NewRouter(
	cfg config.Config,
	authHandler *handler.AuthHandler,
	playlistHandler *handler.PlaylistHandler,
	sessionMW *httpmiddleware.Session,
	rateLimiter *middleware.RateLimiter,
	metrics *telemetry.Metrics,
	logger *zap.Logger,
) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(logger))
	if rateLimiter != nil {
		r.Use(rateLimiter.Handler())
	}
	r.Use(middleware.CORS(cfg))
	r.Use(otelgin.Middleware(cfg.ServiceName))

	r.GET("/healthz", handler.Healthz)
	if metrics != nil {
		r.GET("/metrics", gin.WrapH(metrics.Handler()))
	}

	authGroup := r.Group("/auth")
	{
		spotify := authGroup.Group("/spotify")
		{
			spotify.GET("/start", authHandler.Start)
			spotify.GET("/callback", authHandler.Callback)
		}
		authGroup.POST("/logout", authHandler.Logout)
		authGroup.GET("/session", sessionMW.RequireSession, authHandler.Session)
	}

	signedIn := r.Group("/", sessionMW.RequireSession)
	{
		signedIn.GET("/me", playlistHandler.Me)
		signedIn.GET("/playlists", playlistHandler.List)
		signedIn.GET("/playlists/selection", playlistHandler.GetSelection)
		signedIn.PUT("/playlists/selection", playlistHandler.ReplaceSelection)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	})

	return r
}
