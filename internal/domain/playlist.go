package domain

import "time"

// Playlist is the projection of a provider playlist returned to clients.
type Playlist struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Owner       string `json:"owner,omitempty"`
	ImageURL    string `json:"image_url,omitempty"`
	TrackCount  int    `json:"track_count"`
	Public      bool   `json:"public"`
	Description string `json:"description,omitempty"`
}

// PlaylistPage is one page of the user's playlists.
type PlaylistPage struct {
	Items  []Playlist `json:"items"`
	Total  int        `json:"total"`
	Limit  int        `json:"limit"`
	Offset int        `json:"offset"`
	Next   bool       `json:"has_next"`
}

// PlaylistCacheKey identifies a cached page.
type PlaylistCacheKey struct {
	ProviderUserID string
	Limit          int
	Offset         int
}

// PlaylistCacheEntry is a cached page for a provider user.
type PlaylistCacheEntry struct {
	Key       PlaylistCacheKey
	Page      PlaylistPage
	ExpiresAt time.Time
}

// PlaylistSelection records a playlist the session picked.
type PlaylistSelection struct {
	SessionID  string    `json:"-"`
	PlaylistID string    `json:"playlist_id"`
	SelectedAt time.Time `json:"selected_at"`
}

// Profile is the cached provider profile for a user.
type Profile struct {
	ProviderUserID string    `json:"id"`
	DisplayName    string    `json:"display_name,omitempty"`
	Country        string    `json:"country,omitempty"`
	Product        string    `json:"product,omitempty"`
	ExpiresAt      time.Time `json:"-"`
}
