package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Backend names accepted by STATE_BACKEND and ACCESS_TOKEN_CACHE.
const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config contains runtime configuration values.
type Config struct {
	Environment          string
	HTTPPort             string
	DatabaseURL          string
	MigrateOnStart       bool
	RedisAddr            string
	RedisPassword        string
	RedisDB              int
	StateBackend         string
	AccessTokenCache     string
	ServiceName          string
	RateLimitRPM         int
	TelemetryEndpoint    string
	TelemetryInsecure    bool
	CORSAllowedOrigins   []string
	CORSAllowedMethods   []string
	CORSAllowedHeaders   []string
	CORSAllowCredentials bool
	DebugErrors          bool

	Spotify SpotifyConfig

	DeepLinkBase     string
	PKCETTL          time.Duration
	SessionTTL       time.Duration
	DenylistTTL      time.Duration
	AccessTokenSkew  time.Duration
	RefreshTimeout   time.Duration
	PlaylistCacheTTL time.Duration
	ProfileCacheTTL  time.Duration
}

// SpotifyConfig holds the OAuth client registration and endpoints.
type SpotifyConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	AuthorizeURL string
	TokenURL     string
	APIBaseURL   string
	Scopes       []string
	HTTPTimeout  time.Duration

	// Web API reads are retried on 429, 5xx and transport errors.
	APIMaxAttempts   int
	APIRetryInterval time.Duration
}

// Load reads configuration from environment variables with sane defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Environment:          getEnv("APP_ENV", "development"),
		HTTPPort:             getEnv("HTTP_PORT", "8080"),
		DatabaseURL:          strings.TrimSpace(os.Getenv("DATABASE_URL")),
		MigrateOnStart:       getBool("MIGRATE_ON_START", true),
		RedisAddr:            getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword:        os.Getenv("REDIS_PASSWORD"),
		RedisDB:              getInt("REDIS_DB", 0),
		StateBackend:         strings.ToLower(getEnv("STATE_BACKEND", BackendPostgres)),
		AccessTokenCache:     strings.ToLower(getEnv("ACCESS_TOKEN_CACHE", BackendPostgres)),
		ServiceName:          getEnv("SERVICE_NAME", "spotify-session"),
		RateLimitRPM:         getInt("RATE_LIMIT_RPM", 600),
		TelemetryEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TelemetryInsecure:    getBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		CORSAllowedOrigins:   getList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		CORSAllowedMethods:   getList("CORS_ALLOWED_METHODS", []string{"GET", "POST", "PUT", "OPTIONS"}),
		CORSAllowedHeaders:   getList("CORS_ALLOWED_HEADERS", []string{"Content-Type", "X-Session-Id"}),
		CORSAllowCredentials: getBool("CORS_ALLOW_CREDENTIALS", false),
		DebugErrors:          getBool("DEBUG_ERRORS", false),
		Spotify: SpotifyConfig{
			ClientID:     strings.TrimSpace(os.Getenv("SPOTIFY_CLIENT_ID")),
			ClientSecret: os.Getenv("SPOTIFY_CLIENT_SECRET"),
			RedirectURI:  strings.TrimSpace(os.Getenv("SPOTIFY_REDIRECT_URI")),
			AuthorizeURL: getEnv("SPOTIFY_AUTHORIZE_URL", "https://accounts.spotify.com/authorize"),
			TokenURL:     getEnv("SPOTIFY_TOKEN_URL", "https://accounts.spotify.com/api/token"),
			APIBaseURL:   strings.TrimRight(getEnv("SPOTIFY_API_BASE_URL", "https://api.spotify.com/v1"), "/"),
			Scopes:       getFields("SPOTIFY_SCOPES", []string{"user-read-private", "playlist-read-private", "playlist-read-collaborative"}),
			HTTPTimeout:  getDuration("SPOTIFY_HTTP_TIMEOUT", 10*time.Second),

			APIMaxAttempts:   getInt("SPOTIFY_API_MAX_ATTEMPTS", 3),
			APIRetryInterval: getDuration("SPOTIFY_API_RETRY_INTERVAL", 250*time.Millisecond),
		},
		DeepLinkBase:     strings.TrimSpace(os.Getenv("DEEPLINK_BASE")),
		PKCETTL:          getDuration("PKCE_TTL", 10*time.Minute),
		SessionTTL:       getDuration("SESSION_TTL", 30*24*time.Hour),
		DenylistTTL:      getDuration("DENYLIST_TTL", 90*24*time.Hour),
		AccessTokenSkew:  getDuration("ACCESS_TOKEN_SKEW", 60*time.Second),
		RefreshTimeout:   getDuration("REFRESH_TIMEOUT", 15*time.Second),
		PlaylistCacheTTL: getDuration("PLAYLIST_CACHE_TTL", 5*time.Minute),
		ProfileCacheTTL:  getDuration("PROFILE_CACHE_TTL", time.Hour),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports missing or inconsistent settings.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.Spotify.ClientID == "" {
		return fmt.Errorf("SPOTIFY_CLIENT_ID is required")
	}
	if c.Spotify.RedirectURI == "" {
		return fmt.Errorf("SPOTIFY_REDIRECT_URI is required")
	}
	if c.DeepLinkBase == "" {
		return fmt.Errorf("DEEPLINK_BASE is required")
	}
	if !validBackend(c.StateBackend) {
		return fmt.Errorf("STATE_BACKEND must be %q or %q", BackendPostgres, BackendRedis)
	}
	if !validBackend(c.AccessTokenCache) {
		return fmt.Errorf("ACCESS_TOKEN_CACHE must be %q or %q", BackendPostgres, BackendRedis)
	}
	if c.PKCETTL <= 0 || c.SessionTTL <= 0 || c.DenylistTTL <= 0 {
		return fmt.Errorf("PKCE_TTL, SESSION_TTL and DENYLIST_TTL must be positive")
	}
	return nil
}

// UsesRedis reports whether any store is configured on Redis.
func (c Config) UsesRedis() bool {
	return c.StateBackend == BackendRedis || c.AccessTokenCache == BackendRedis
}

func validBackend(name string) bool {
	return name == BackendPostgres || name == BackendRedis
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(v) {
		case "1", "true", "t", "yes", "y", "on":
			return true
		case "0", "false", "f", "no", "n", "off":
			return false
		}
	}
	return def
}

func getList(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok {
		parts := strings.Split(v, ",")
		var cleaned []string
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				cleaned = append(cleaned, trimmed)
			}
		}
		if len(cleaned) > 0 {
			return cleaned
		}
	}
	return def
}

// getFields accepts both space- and comma-separated lists, matching how OAuth scopes are written.
func getFields(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok {
		fields := strings.Fields(strings.ReplaceAll(v, ",", " "))
		if len(fields) > 0 {
			return fields
		}
	}
	return def
}
