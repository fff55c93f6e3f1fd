package oauth

// DefaultExpiresIn is used when the token endpoint omits or garbles expires_in.
const DefaultExpiresIn int64 = 3600

// MaxExpiresIn caps expires_in at one day.
const MaxExpiresIn int64 = 24 * 60 * 60

// TokenResponse models the provider token endpoint response.
type TokenResponse struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
	TokenType    string
	Scope        string
}

// UserProfile is the subset of the provider profile the service relies on.
type UserProfile struct {
	ID          string
	DisplayName string
	Country     string
	Product     string
}

// AuthorizeRequest carries the parameters of the authorize redirect.
type AuthorizeRequest struct {
	Scopes        []string
	State         string
	CodeChallenge string
}
