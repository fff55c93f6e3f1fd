package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/smallbiznis/spotify-session/internal/domain"
)

var (
	_ PlaylistCacheStore     = (*PostgresPlaylistCacheStore)(nil)
	_ PlaylistSelectionStore = (*PostgresPlaylistSelectionStore)(nil)
	_ ProfileCacheStore      = (*PostgresProfileCacheStore)(nil)
)

// PostgresPlaylistCacheStore implements PlaylistCacheStore.
type PostgresPlaylistCacheStore struct {
	db DBTX
}

func NewPostgresPlaylistCacheStore(db DBTX) *PostgresPlaylistCacheStore {
	return &PostgresPlaylistCacheStore{db: db}
}

const selectPlaylistCacheSQL = `SELECT payload, expires_at
FROM playlist_cache
WHERE provider_user_id = $1 AND page_limit = $2 AND page_offset = $3 AND expires_at > $4`

func (s *PostgresPlaylistCacheStore) Get(ctx context.Context, key domain.PlaylistCacheKey, now time.Time) (*domain.PlaylistCacheEntry, error) {
	var (
		payload   []byte
		expiresAt time.Time
	)
	err := s.db.QueryRow(ctx, selectPlaylistCacheSQL, key.ProviderUserID, key.Limit, key.Offset, now).Scan(&payload, &expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get playlist cache: %w", err)
	}
	var page domain.PlaylistPage
	if err := json.Unmarshal(payload, &page); err != nil {
		return nil, fmt.Errorf("decode playlist cache: %w", err)
	}
	return &domain.PlaylistCacheEntry{Key: key, Page: page, ExpiresAt: expiresAt}, nil
}

const upsertPlaylistCacheSQL = `INSERT INTO playlist_cache (provider_user_id, page_limit, page_offset, payload, expires_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (provider_user_id, page_limit, page_offset) DO UPDATE SET
	payload = EXCLUDED.payload,
	expires_at = EXCLUDED.expires_at`

func (s *PostgresPlaylistCacheStore) Upsert(ctx context.Context, entry domain.PlaylistCacheEntry) error {
	payload, err := json.Marshal(entry.Page)
	if err != nil {
		return fmt.Errorf("encode playlist cache: %w", err)
	}
	if _, err := s.db.Exec(ctx, upsertPlaylistCacheSQL,
		entry.Key.ProviderUserID,
		entry.Key.Limit,
		entry.Key.Offset,
		payload,
		entry.ExpiresAt,
	); err != nil {
		return fmt.Errorf("upsert playlist cache: %w", err)
	}
	return nil
}

const linkPlaylistCacheSQL = `INSERT INTO playlist_cache_sessions (session_id, provider_user_id, page_limit, page_offset)
VALUES ($1, $2, $3, $4)
ON CONFLICT DO NOTHING`

func (s *PostgresPlaylistCacheStore) Link(ctx context.Context, sessionID string, key domain.PlaylistCacheKey) error {
	if _, err := s.db.Exec(ctx, linkPlaylistCacheSQL, sessionID, key.ProviderUserID, key.Limit, key.Offset); err != nil {
		return fmt.Errorf("link playlist cache: %w", err)
	}
	return nil
}

func (s *PostgresPlaylistCacheStore) DeleteByProviderUser(ctx context.Context, providerUserID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM playlist_cache WHERE provider_user_id = $1`, providerUserID); err != nil {
		return fmt.Errorf("delete playlist cache: %w", err)
	}
	return nil
}

func (s *PostgresPlaylistCacheStore) DeleteLinksBySession(ctx context.Context, sessionID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM playlist_cache_sessions WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("delete playlist cache links: %w", err)
	}
	return nil
}

// PostgresPlaylistSelectionStore implements PlaylistSelectionStore.
type PostgresPlaylistSelectionStore struct {
	db DBTX
}

func NewPostgresPlaylistSelectionStore(db DBTX) *PostgresPlaylistSelectionStore {
	return &PostgresPlaylistSelectionStore{db: db}
}

// Replace swaps the whole selection atomically. Inside an outer transaction
// pgx turns the nested Begin into a savepoint.
func (s *PostgresPlaylistSelectionStore) Replace(ctx context.Context, sessionID string, playlistIDs []string, at time.Time) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM playlist_selections WHERE session_id = $1`, sessionID); err != nil {
			return fmt.Errorf("clear playlist selection: %w", err)
		}
		batch := &pgx.Batch{}
		for _, id := range playlistIDs {
			batch.Queue(
				`INSERT INTO playlist_selections (session_id, playlist_id, selected_at) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
				sessionID, id, at,
			)
		}
		if batch.Len() == 0 {
			return nil
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert playlist selection: %w", err)
		}
		return nil
	})
}

func (s *PostgresPlaylistSelectionStore) ListBySession(ctx context.Context, sessionID string) ([]domain.PlaylistSelection, error) {
	rows, err := s.db.Query(ctx,
		`SELECT session_id, playlist_id, selected_at FROM playlist_selections WHERE session_id = $1 ORDER BY selected_at, playlist_id`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list playlist selection: %w", err)
	}
	selections, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.PlaylistSelection, error) {
		var sel domain.PlaylistSelection
		err := row.Scan(&sel.SessionID, &sel.PlaylistID, &sel.SelectedAt)
		return sel, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan playlist selection: %w", err)
	}
	return selections, nil
}

func (s *PostgresPlaylistSelectionStore) DeleteBySession(ctx context.Context, sessionID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM playlist_selections WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("delete playlist selection: %w", err)
	}
	return nil
}

// PostgresProfileCacheStore implements ProfileCacheStore.
type PostgresProfileCacheStore struct {
	db DBTX
}

func NewPostgresProfileCacheStore(db DBTX) *PostgresProfileCacheStore {
	return &PostgresProfileCacheStore{db: db}
}

func (s *PostgresProfileCacheStore) Get(ctx context.Context, providerUserID string, now time.Time) (*domain.Profile, error) {
	var profile domain.Profile
	err := s.db.QueryRow(ctx,
		`SELECT provider_user_id, display_name, country, product, expires_at FROM profile_cache WHERE provider_user_id = $1 AND expires_at > $2`,
		providerUserID, now,
	).Scan(
		&profile.ProviderUserID,
		&profile.DisplayName,
		&profile.Country,
		&profile.Product,
		&profile.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get profile cache: %w", err)
	}
	return &profile, nil
}

const upsertProfileCacheSQL = `INSERT INTO profile_cache (provider_user_id, display_name, country, product, expires_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (provider_user_id) DO UPDATE SET
	display_name = EXCLUDED.display_name,
	country = EXCLUDED.country,
	product = EXCLUDED.product,
	expires_at = EXCLUDED.expires_at`

func (s *PostgresProfileCacheStore) Upsert(ctx context.Context, profile domain.Profile) error {
	if _, err := s.db.Exec(ctx, upsertProfileCacheSQL,
		profile.ProviderUserID,
		profile.DisplayName,
		profile.Country,
		profile.Product,
		profile.ExpiresAt,
	); err != nil {
		return fmt.Errorf("upsert profile cache: %w", err)
	}
	return nil
}

func (s *PostgresProfileCacheStore) DeleteByProviderUser(ctx context.Context, providerUserID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM profile_cache WHERE provider_user_id = $1`, providerUserID); err != nil {
		return fmt.Errorf("delete profile cache: %w", err)
	}
	return nil
}
