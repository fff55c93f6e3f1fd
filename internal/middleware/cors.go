package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/smallbiznis/spotify-session/internal/config"
)

const preflightMaxAge = 600

// Headers browser clients need to read: request correlation and rate limit backoff.
var exposedHeaders = strings.Join([]string{"X-Request-ID", "Retry-After"}, ", ")

type corsPolicy struct {
	origins     map[string]struct{}
	anyOrigin   bool
	credentials bool
	methods     string
	headers     string
}

func newCORSPolicy(cfg config.Config) corsPolicy {
	p := corsPolicy{
		origins:     make(map[string]struct{}, len(cfg.CORSAllowedOrigins)),
		credentials: cfg.CORSAllowCredentials,
		methods:     strings.Join(cfg.CORSAllowedMethods, ", "),
	}
	for _, origin := range cfg.CORSAllowedOrigins {
		origin = strings.TrimRight(strings.ToLower(strings.TrimSpace(origin)), "/")
		switch origin {
		case "":
		case "*":
			p.anyOrigin = true
		default:
			p.origins[origin] = struct{}{}
		}
	}

	// Session-scoped routes authenticate with X-Session-Id, so a browser
	// client cannot work without it.
	headers := append([]string(nil), cfg.CORSAllowedHeaders...)
	hasSession := false
	for _, h := range headers {
		if strings.EqualFold(h, sessionHeader) {
			hasSession = true
			break
		}
	}
	if !hasSession {
		headers = append(headers, sessionHeader)
	}
	p.headers = strings.Join(headers, ", ")
	return p
}

func (p corsPolicy) allows(origin string) bool {
	if p.anyOrigin {
		return true
	}
	_, ok := p.origins[strings.TrimRight(strings.ToLower(origin), "/")]
	return ok
}

// CORS applies the configured cross-origin policy to browser callers.
// Disallowed preflights are answered without CORS headers.
func CORS(cfg config.Config) gin.HandlerFunc {
	policy := newCORSPolicy(cfg)

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" {
			c.Next()
			return
		}
		header := c.Writer.Header()
		header.Add("Vary", "Origin")

		if !policy.allows(origin) {
			if c.Request.Method == http.MethodOptions {
				c.AbortWithStatus(http.StatusNoContent)
				return
			}
			c.Next()
			return
		}

		// A wildcard cannot be combined with credentials, so echo the origin instead.
		if policy.anyOrigin && !policy.credentials {
			header.Set("Access-Control-Allow-Origin", "*")
		} else {
			header.Set("Access-Control-Allow-Origin", origin)
		}
		if policy.credentials {
			header.Set("Access-Control-Allow-Credentials", "true")
		}
		header.Set("Access-Control-Allow-Methods", policy.methods)
		header.Set("Access-Control-Allow-Headers", policy.headers)
		header.Set("Access-Control-Expose-Headers", exposedHeaders)

		if c.Request.Method == http.MethodOptions {
			header.Set("Access-Control-Max-Age", strconv.Itoa(preflightMaxAge))
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
