// Package spotify talks to the Spotify accounts service and Web API.
package spotify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/smallbiznis/spotify-session/internal/config"
	"github.com/smallbiznis/spotify-session/internal/domain"
	domainoauth "github.com/smallbiznis/spotify-session/internal/domain/oauth"
)

const (
	maxBodyBytes         = 1 << 20
	maxRetryAfter        = 5 * time.Second
	defaultMaxAttempts   = 3
	defaultRetryInterval = 250 * time.Millisecond
)

// ProviderClient encapsulates outbound calls to Spotify.
type ProviderClient interface {
	AuthorizeURL(req domainoauth.AuthorizeRequest) (string, error)
	ExchangeCode(ctx context.Context, code, codeVerifier string) (*domainoauth.TokenResponse, error)
	Refresh(ctx context.Context, refreshToken string) (*domainoauth.TokenResponse, error)
	FetchProfile(ctx context.Context, accessToken string) (*domainoauth.UserProfile, error)
	ListPlaylists(ctx context.Context, accessToken string, limit, offset int) (*domain.PlaylistPage, error)
}

// HTTPProviderClient is the default HTTP implementation.
type HTTPProviderClient struct {
	httpClient    *http.Client
	cfg           config.SpotifyConfig
	maxAttempts   uint
	retryInterval time.Duration
}

var _ ProviderClient = (*HTTPProviderClient)(nil)

// NewHTTPProviderClient constructs the default ProviderClient.
func NewHTTPProviderClient(cfg config.SpotifyConfig, client *http.Client) *HTTPProviderClient {
	if client == nil {
		timeout := cfg.HTTPTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	cfg.APIBaseURL = strings.TrimRight(cfg.APIBaseURL, "/")
	attempts := cfg.APIMaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	interval := cfg.APIRetryInterval
	if interval <= 0 {
		interval = defaultRetryInterval
	}
	return &HTTPProviderClient{
		httpClient:    client,
		cfg:           cfg,
		maxAttempts:   uint(attempts),
		retryInterval: interval,
	}
}

// AuthorizeURL builds the authorize redirect with an S256 challenge.
func (c *HTTPProviderClient) AuthorizeURL(req domainoauth.AuthorizeRequest) (string, error) {
	base, err := url.Parse(c.cfg.AuthorizeURL)
	if err != nil || base.Scheme == "" {
		return "", fmt.Errorf("invalid authorize url %q", c.cfg.AuthorizeURL)
	}
	q := base.Query()
	q.Set("client_id", c.cfg.ClientID)
	q.Set("response_type", "code")
	q.Set("redirect_uri", c.cfg.RedirectURI)
	q.Set("scope", strings.Join(req.Scopes, " "))
	q.Set("state", req.State)
	q.Set("code_challenge", req.CodeChallenge)
	q.Set("code_challenge_method", "S256")
	base.RawQuery = q.Encode()
	return base.String(), nil
}

// ExchangeCode redeems an authorization code.
func (c *HTTPProviderClient) ExchangeCode(ctx context.Context, code, codeVerifier string) (*domainoauth.TokenResponse, error) {
	data := url.Values{}
	data.Set("grant_type", "authorization_code")
	data.Set("code", code)
	data.Set("redirect_uri", c.cfg.RedirectURI)
	data.Set("code_verifier", codeVerifier)
	return c.tokenRequest(ctx, "token exchange", data)
}

// Refresh trades a refresh token for a new access token.
func (c *HTTPProviderClient) Refresh(ctx context.Context, refreshToken string) (*domainoauth.TokenResponse, error) {
	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)
	return c.tokenRequest(ctx, "token refresh", data)
}

func (c *HTTPProviderClient) tokenRequest(ctx context.Context, op string, data url.Values) (*domainoauth.TokenResponse, error) {
	data.Set("client_id", c.cfg.ClientID)
	if c.cfg.ClientSecret != "" {
		data.Set("client_secret", c.cfg.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, &domainoauth.ProviderError{Op: op, Reason: domainoauth.ReasonTransport, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	raw, err := c.do(op, req)
	if err != nil {
		return nil, err
	}

	token := &domainoauth.TokenResponse{
		AccessToken:  stringValue(raw["access_token"]),
		RefreshToken: stringValue(raw["refresh_token"]),
		TokenType:    stringValue(raw["token_type"]),
		Scope:        stringValue(raw["scope"]),
		ExpiresIn:    int64Value(raw["expires_in"]),
	}
	if token.ExpiresIn <= 0 {
		token.ExpiresIn = domainoauth.DefaultExpiresIn
	}
	return token, nil
}

// FetchProfile loads /me for the bearer token in a single attempt; it runs
// inside the code exchange, which fails fast. A profile without an id is an error.
func (c *HTTPProviderClient) FetchProfile(ctx context.Context, accessToken string) (*domainoauth.UserProfile, error) {
	const op = "profile fetch"
	raw, err := c.get(ctx, op, "/me", accessToken, nil)
	if err != nil {
		return nil, err
	}
	profile := &domainoauth.UserProfile{
		ID:          stringValue(raw["id"]),
		DisplayName: stringValue(raw["display_name"]),
		Country:     stringValue(raw["country"]),
		Product:     stringValue(raw["product"]),
	}
	if strings.TrimSpace(profile.ID) == "" {
		return nil, &domainoauth.ProviderError{Op: op, Reason: domainoauth.ReasonMalformed, Detail: "profile id missing"}
	}
	return profile, nil
}

// ListPlaylists loads one page of the current user's playlists.
func (c *HTTPProviderClient) ListPlaylists(ctx context.Context, accessToken string, limit, offset int) (*domain.PlaylistPage, error) {
	const op = "playlist fetch"
	query := url.Values{}
	query.Set("limit", strconv.Itoa(limit))
	query.Set("offset", strconv.Itoa(offset))
	raw, err := c.getJSON(ctx, op, "/me/playlists", accessToken, query)
	if err != nil {
		return nil, err
	}

	page := &domain.PlaylistPage{
		Items:  []domain.Playlist{},
		Total:  int(int64Value(raw["total"])),
		Limit:  limit,
		Offset: offset,
		Next:   stringValue(raw["next"]) != "",
	}
	items, _ := raw["items"].([]any)
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		p := domain.Playlist{
			ID:          stringValue(obj["id"]),
			Name:        stringValue(obj["name"]),
			Description: stringValue(obj["description"]),
		}
		if public, ok := obj["public"].(bool); ok {
			p.Public = public
		}
		if owner, ok := obj["owner"].(map[string]any); ok {
			p.Owner = stringValue(coalesce(owner["display_name"], owner["id"]))
		}
		if images, ok := obj["images"].([]any); ok && len(images) > 0 {
			if img, ok := images[0].(map[string]any); ok {
				p.ImageURL = stringValue(img["url"])
			}
		}
		if tracks, ok := obj["tracks"].(map[string]any); ok {
			p.TrackCount = int(int64Value(tracks["total"]))
		}
		if p.ID == "" {
			continue
		}
		page.Items = append(page.Items, p)
	}
	return page, nil
}

// getJSON performs a Web API read, retrying temporary failures with
// exponential backoff. A 429 asking for more than maxRetryAfter fails at once.
func (c *HTTPProviderClient) getJSON(ctx context.Context, op, path, accessToken string, query url.Values) (map[string]any, error) {
	attempt := func() (map[string]any, error) {
		raw, err := c.get(ctx, op, path, accessToken, query)
		if err == nil {
			return raw, nil
		}
		var perr *domainoauth.ProviderError
		if !errors.As(err, &perr) || !perr.Temporary() {
			return nil, backoff.Permanent(err)
		}
		if perr.RetryAfter > maxRetryAfter {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = c.retryInterval
	expBackoff.MaxInterval = 10 * c.retryInterval
	expBackoff.Reset()

	return backoff.Retry(ctx, attempt,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(c.maxAttempts),
	)
}

// get performs one Web API read.
func (c *HTTPProviderClient) get(ctx context.Context, op, path, accessToken string, query url.Values) (map[string]any, error) {
	req, err := c.apiRequest(ctx, op, path, accessToken, query)
	if err != nil {
		return nil, err
	}
	return c.do(op, req)
}

func (c *HTTPProviderClient) apiRequest(ctx context.Context, op, path, accessToken string, query url.Values) (*http.Request, error) {
	target := c.cfg.APIBaseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &domainoauth.ProviderError{Op: op, Reason: domainoauth.ReasonTransport, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// do executes req and decodes a JSON object body, classifying failures as ProviderError.
func (c *HTTPProviderClient) do(op string, req *http.Request) (map[string]any, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &domainoauth.ProviderError{Op: op, Reason: domainoauth.ReasonTransport, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &domainoauth.ProviderError{Op: op, StatusCode: resp.StatusCode, Reason: domainoauth.ReasonTransport, Err: err}
	}

	var raw map[string]any
	decodeErr := json.Unmarshal(body, &raw)

	if resp.StatusCode >= 300 {
		code, detail := errorFields(raw)
		perr := domainoauth.NewStatusError(op, resp.StatusCode, code, detail)
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			perr.RetryAfter = time.Duration(secs) * time.Second
		}
		return nil, perr
	}
	if decodeErr != nil {
		return nil, &domainoauth.ProviderError{Op: op, StatusCode: resp.StatusCode, Reason: domainoauth.ReasonMalformed, Err: decodeErr}
	}
	if raw == nil {
		return nil, &domainoauth.ProviderError{Op: op, StatusCode: resp.StatusCode, Reason: domainoauth.ReasonMalformed, Err: errors.New("empty body")}
	}
	return raw, nil
}

// errorFields understands both the accounts service shape
// {"error":"invalid_grant","error_description":"..."} and the Web API shape
// {"error":{"status":401,"message":"..."}}.
func errorFields(raw map[string]any) (string, string) {
	if raw == nil {
		return "", ""
	}
	switch v := raw["error"].(type) {
	case string:
		return v, stringValue(raw["error_description"])
	case map[string]any:
		return strconv.FormatInt(int64Value(v["status"]), 10), stringValue(v["message"])
	}
	return "", ""
}

func stringValue(input any) string {
	switch v := input.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

func int64Value(input any) int64 {
	switch v := input.(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

func coalesce(values ...any) any {
	for _, v := range values {
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return nil
}
