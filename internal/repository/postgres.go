package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smallbiznis/spotify-session/internal/domain"
)

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx so every store can run
// standalone or inside a caller-supplied transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Compile-time interface assertions.
var (
	_ PKCEStore        = (*PostgresPKCEStore)(nil)
	_ TokenSetStore    = (*PostgresTokenSetStore)(nil)
	_ AccessTokenCache = (*PostgresAccessTokenCache)(nil)
	_ DenylistStore    = (*PostgresDenylistStore)(nil)
	_ SessionStore     = (*PostgresSessionStore)(nil)
	_ Transactor       = (*PostgresTransactor)(nil)
)

// NewPostgresStores builds every store over db.
func NewPostgresStores(db DBTX) Stores {
	return Stores{
		PKCE:          NewPostgresPKCEStore(db),
		TokenSets:     NewPostgresTokenSetStore(db),
		AccessTokens:  NewPostgresAccessTokenCache(db),
		Denylist:      NewPostgresDenylistStore(db),
		Sessions:      NewPostgresSessionStore(db),
		PlaylistCache: NewPostgresPlaylistCacheStore(db),
		Selections:    NewPostgresPlaylistSelectionStore(db),
		Profiles:      NewPostgresProfileCacheStore(db),
	}
}

// PostgresTransactor implements Transactor with pgx.BeginFunc.
type PostgresTransactor struct {
	pool     *pgxpool.Pool
	override func(Stores) Stores
}

// TxOption adjusts the stores handed to a unit of work.
type TxOption func(*PostgresTransactor)

// WithStoreOverride replaces tx-bound stores, e.g. with a Redis cache that
// cannot take part in the SQL transaction.
func WithStoreOverride(fn func(Stores) Stores) TxOption {
	return func(t *PostgresTransactor) {
		t.override = fn
	}
}

// NewPostgresTransactor constructs a Transactor over pool.
func NewPostgresTransactor(pool *pgxpool.Pool, opts ...TxOption) *PostgresTransactor {
	t := &PostgresTransactor{pool: pool}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// WithinTx implements Transactor.
func (t *PostgresTransactor) WithinTx(ctx context.Context, fn func(Stores) error) error {
	return pgx.BeginFunc(ctx, t.pool, func(tx pgx.Tx) error {
		stores := NewPostgresStores(tx)
		if t.override != nil {
			stores = t.override(stores)
		}
		return fn(stores)
	})
}

// PostgresPKCEStore implements PKCEStore.
type PostgresPKCEStore struct {
	db DBTX
}

func NewPostgresPKCEStore(db DBTX) *PostgresPKCEStore {
	return &PostgresPKCEStore{db: db}
}

const selectPKCESQL = `SELECT state, code_verifier, code_challenge, expires_at
FROM pkce_entries
WHERE state = $1`

func (s *PostgresPKCEStore) GetByState(ctx context.Context, state string) (*domain.PKCEEntry, error) {
	var entry domain.PKCEEntry
	err := s.db.QueryRow(ctx, selectPKCESQL, state).Scan(
		&entry.State,
		&entry.CodeVerifier,
		&entry.CodeChallenge,
		&entry.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get pkce entry: %w", err)
	}
	return &entry, nil
}

const insertPKCESQL = `INSERT INTO pkce_entries (state, code_verifier, code_challenge, expires_at)
VALUES ($1, $2, $3, $4)`

func (s *PostgresPKCEStore) Save(ctx context.Context, entry domain.PKCEEntry) error {
	if _, err := s.db.Exec(ctx, insertPKCESQL, entry.State, entry.CodeVerifier, entry.CodeChallenge, entry.ExpiresAt); err != nil {
		return fmt.Errorf("insert pkce entry: %w", err)
	}
	return nil
}

func (s *PostgresPKCEStore) Delete(ctx context.Context, state string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM pkce_entries WHERE state = $1`, state); err != nil {
		return fmt.Errorf("delete pkce entry: %w", err)
	}
	return nil
}

// PostgresTokenSetStore implements TokenSetStore.
type PostgresTokenSetStore struct {
	db DBTX
}

func NewPostgresTokenSetStore(db DBTX) *PostgresTokenSetStore {
	return &PostgresTokenSetStore{db: db}
}

const insertTokenSetSQL = `INSERT INTO token_sets (id, provider, provider_user_id, refresh_token, scope, access_expires_at, updated_at, pending_state)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING id, provider, provider_user_id, refresh_token, scope, access_expires_at, updated_at, session_id`

func (s *PostgresTokenSetStore) SaveByState(ctx context.Context, state string, ts domain.TokenSet) (domain.TokenSet, error) {
	row := s.db.QueryRow(ctx, insertTokenSetSQL,
		ts.ID,
		ts.Provider,
		ts.ProviderUserID,
		ts.RefreshToken,
		ts.Scope,
		ts.AccessExpiresAt,
		ts.UpdatedAt,
		state,
	)
	saved, err := scanTokenSet(row)
	if err != nil {
		return domain.TokenSet{}, fmt.Errorf("insert token set: %w", err)
	}
	return saved, nil
}

const attachTokenSetSQL = `UPDATE token_sets
SET session_id = $2, pending_state = NULL
WHERE pending_state = $1`

func (s *PostgresTokenSetStore) AttachToSession(ctx context.Context, state, sessionID string) error {
	tag, err := s.db.Exec(ctx, attachTokenSetSQL, state, sessionID)
	if err != nil {
		return fmt.Errorf("attach token set: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("attach token set: no token set pending for state")
	}
	return nil
}

const selectTokenSetBySessionSQL = `SELECT id, provider, provider_user_id, refresh_token, scope, access_expires_at, updated_at, session_id
FROM token_sets
WHERE session_id = $1`

func (s *PostgresTokenSetStore) GetBySession(ctx context.Context, sessionID string) (*domain.TokenSet, error) {
	ts, err := scanTokenSet(s.db.QueryRow(ctx, selectTokenSetBySessionSQL, sessionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get token set: %w", err)
	}
	return &ts, nil
}

const updateTokenSetAfterRefreshSQL = `UPDATE token_sets
SET refresh_token = COALESCE(NULLIF($2, ''), refresh_token),
    scope = COALESCE(NULLIF($3, ''), scope),
    access_expires_at = $4,
    updated_at = $5
WHERE session_id = $1`

func (s *PostgresTokenSetStore) UpdateAfterRefresh(ctx context.Context, update RefreshUpdate) error {
	tag, err := s.db.Exec(ctx, updateTokenSetAfterRefreshSQL,
		update.SessionID,
		update.RefreshToken,
		update.Scope,
		update.AccessExpiresAt,
		update.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update token set: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update token set: %w", pgx.ErrNoRows)
	}
	return nil
}

func (s *PostgresTokenSetStore) DeleteBySession(ctx context.Context, sessionID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM token_sets WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("delete token set: %w", err)
	}
	return nil
}

func scanTokenSet(row pgx.Row) (domain.TokenSet, error) {
	var (
		ts        domain.TokenSet
		sessionID *string
	)
	if err := row.Scan(
		&ts.ID,
		&ts.Provider,
		&ts.ProviderUserID,
		&ts.RefreshToken,
		&ts.Scope,
		&ts.AccessExpiresAt,
		&ts.UpdatedAt,
		&sessionID,
	); err != nil {
		return domain.TokenSet{}, err
	}
	if sessionID != nil {
		ts.SessionID = *sessionID
	}
	return ts, nil
}

// PostgresAccessTokenCache implements AccessTokenCache on the access_token_cache table.
type PostgresAccessTokenCache struct {
	db DBTX
}

func NewPostgresAccessTokenCache(db DBTX) *PostgresAccessTokenCache {
	return &PostgresAccessTokenCache{db: db}
}

const selectValidAccessTokenSQL = `SELECT session_id, access_token, expires_at
FROM access_token_cache
WHERE session_id = $1 AND expires_at > $2`

func (c *PostgresAccessTokenCache) GetValidBySession(ctx context.Context, sessionID string, now time.Time) (*domain.AccessTokenCacheEntry, error) {
	var entry domain.AccessTokenCacheEntry
	err := c.db.QueryRow(ctx, selectValidAccessTokenSQL, sessionID, now).Scan(
		&entry.SessionID,
		&entry.AccessToken,
		&entry.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get access token: %w", err)
	}
	return &entry, nil
}

const upsertAccessTokenSQL = `INSERT INTO access_token_cache (session_id, access_token, expires_at)
VALUES ($1, $2, $3)
ON CONFLICT (session_id) DO UPDATE SET
	access_token = EXCLUDED.access_token,
	expires_at = EXCLUDED.expires_at`

func (c *PostgresAccessTokenCache) Upsert(ctx context.Context, entry domain.AccessTokenCacheEntry) error {
	if _, err := c.db.Exec(ctx, upsertAccessTokenSQL, entry.SessionID, entry.AccessToken, entry.ExpiresAt); err != nil {
		return fmt.Errorf("upsert access token: %w", err)
	}
	return nil
}

func (c *PostgresAccessTokenCache) DeleteBySession(ctx context.Context, sessionID string) error {
	if _, err := c.db.Exec(ctx, `DELETE FROM access_token_cache WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("delete access token: %w", err)
	}
	return nil
}

// PostgresDenylistStore implements DenylistStore.
type PostgresDenylistStore struct {
	db DBTX
}

func NewPostgresDenylistStore(db DBTX) *PostgresDenylistStore {
	return &PostgresDenylistStore{db: db}
}

func (s *PostgresDenylistStore) Exists(ctx context.Context, refreshHash string, now time.Time) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM refresh_denylist WHERE refresh_hash = $1 AND expires_at > $2)`,
		refreshHash, now,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check denylist: %w", err)
	}
	return exists, nil
}

const upsertDenylistSQL = `INSERT INTO refresh_denylist (refresh_hash, reason, added_at, expires_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (refresh_hash) DO UPDATE SET
	reason = EXCLUDED.reason,
	expires_at = EXCLUDED.expires_at`

func (s *PostgresDenylistStore) Upsert(ctx context.Context, entry domain.DenylistEntry) error {
	if _, err := s.db.Exec(ctx, upsertDenylistSQL, entry.RefreshHash, entry.Reason, entry.AddedAt, entry.ExpiresAt); err != nil {
		return fmt.Errorf("upsert denylist: %w", err)
	}
	return nil
}

// PostgresSessionStore implements SessionStore.
type PostgresSessionStore struct {
	db DBTX
}

func NewPostgresSessionStore(db DBTX) *PostgresSessionStore {
	return &PostgresSessionStore{db: db}
}

const insertSessionSQL = `INSERT INTO app_sessions (id, device_info, created_at, last_seen_at, expires_at)
VALUES ($1, $2, $3, $4, $5)`

func (s *PostgresSessionStore) Insert(ctx context.Context, session domain.AppSession) error {
	if _, err := s.db.Exec(ctx, insertSessionSQL,
		session.ID,
		session.DeviceInfo,
		session.CreatedAt,
		session.LastSeenAt,
		session.ExpiresAt,
	); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *PostgresSessionStore) Get(ctx context.Context, sessionID string) (*domain.AppSession, error) {
	var session domain.AppSession
	err := s.db.QueryRow(ctx,
		`SELECT id, device_info, created_at, last_seen_at, expires_at FROM app_sessions WHERE id = $1`,
		sessionID,
	).Scan(
		&session.ID,
		&session.DeviceInfo,
		&session.CreatedAt,
		&session.LastSeenAt,
		&session.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &session, nil
}

func (s *PostgresSessionStore) Touch(ctx context.Context, sessionID string, at time.Time) error {
	if _, err := s.db.Exec(ctx, `UPDATE app_sessions SET last_seen_at = $2 WHERE id = $1`, sessionID, at); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

func (s *PostgresSessionStore) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM app_sessions WHERE id = $1`, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}
