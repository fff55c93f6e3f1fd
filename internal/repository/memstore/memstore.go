// Package memstore is an in-memory implementation of the repository stores
// used by service and handler tests. WithinTx snapshots state and restores it
// when the unit of work fails.
package memstore

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/smallbiznis/spotify-session/internal/domain"
	"github.com/smallbiznis/spotify-session/internal/repository"
)

type tokenSetRow struct {
	ts      domain.TokenSet
	pending string
}

// Store holds every table in memory.
type Store struct {
	mu sync.Mutex

	pkce          map[string]domain.PKCEEntry
	tokenSets     map[int64]tokenSetRow
	accessTokens  map[string]domain.AccessTokenCacheEntry
	denylist      map[string]domain.DenylistEntry
	sessions      map[string]domain.AppSession
	playlistCache map[domain.PlaylistCacheKey]domain.PlaylistCacheEntry
	links         map[string]map[domain.PlaylistCacheKey]struct{}
	selections    map[string][]domain.PlaylistSelection
	profiles      map[string]domain.Profile

	failures map[string]error
	calls    map[string]int
}

var _ repository.Transactor = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{
		pkce:          map[string]domain.PKCEEntry{},
		tokenSets:     map[int64]tokenSetRow{},
		accessTokens:  map[string]domain.AccessTokenCacheEntry{},
		denylist:      map[string]domain.DenylistEntry{},
		sessions:      map[string]domain.AppSession{},
		playlistCache: map[domain.PlaylistCacheKey]domain.PlaylistCacheEntry{},
		links:         map[string]map[domain.PlaylistCacheKey]struct{}{},
		selections:    map[string][]domain.PlaylistSelection{},
		profiles:      map[string]domain.Profile{},
		failures:      map[string]error{},
		calls:         map[string]int{},
	}
}

// Stores returns the store views over s.
func (s *Store) Stores() repository.Stores {
	return repository.Stores{
		PKCE:          pkceStore{s},
		TokenSets:     tokenSetStore{s},
		AccessTokens:  accessTokenCache{s},
		Denylist:      denylistStore{s},
		Sessions:      sessionStore{s},
		PlaylistCache: playlistCacheStore{s},
		Selections:    selectionStore{s},
		Profiles:      profileStore{s},
	}
}

// FailOn makes the named operation (e.g. "Sessions.Delete") return err until cleared with a nil err.
func (s *Store) FailOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, op)
		return
	}
	s.failures[op] = err
}

// Calls reports how often the named operation ran.
func (s *Store) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// TotalCalls reports how many store operations ran.
func (s *Store) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.calls {
		total += n
	}
	return total
}

// WithinTx implements repository.Transactor.
func (s *Store) WithinTx(ctx context.Context, fn func(repository.Stores) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	snap := s.snapshot()
	if err := fn(s.Stores()); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

// enter records the call and returns the injected failure, if any. Callers hold no lock.
func (s *Store) enter(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[op]++
	return s.failures[op]
}

type snapshot struct {
	pkce          map[string]domain.PKCEEntry
	tokenSets     map[int64]tokenSetRow
	accessTokens  map[string]domain.AccessTokenCacheEntry
	denylist      map[string]domain.DenylistEntry
	sessions      map[string]domain.AppSession
	playlistCache map[domain.PlaylistCacheKey]domain.PlaylistCacheEntry
	links         map[string]map[domain.PlaylistCacheKey]struct{}
	selections    map[string][]domain.PlaylistSelection
	profiles      map[string]domain.Profile
}

func (s *Store) snapshot() snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	links := make(map[string]map[domain.PlaylistCacheKey]struct{}, len(s.links))
	for k, v := range s.links {
		links[k] = maps.Clone(v)
	}
	selections := make(map[string][]domain.PlaylistSelection, len(s.selections))
	for k, v := range s.selections {
		selections[k] = slices.Clone(v)
	}
	return snapshot{
		pkce:          maps.Clone(s.pkce),
		tokenSets:     maps.Clone(s.tokenSets),
		accessTokens:  maps.Clone(s.accessTokens),
		denylist:      maps.Clone(s.denylist),
		sessions:      maps.Clone(s.sessions),
		playlistCache: maps.Clone(s.playlistCache),
		links:         links,
		selections:    selections,
		profiles:      maps.Clone(s.profiles),
	}
}

func (s *Store) restore(snap snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pkce = snap.pkce
	s.tokenSets = snap.tokenSets
	s.accessTokens = snap.accessTokens
	s.denylist = snap.denylist
	s.sessions = snap.sessions
	s.playlistCache = snap.playlistCache
	s.links = snap.links
	s.selections = snap.selections
	s.profiles = snap.profiles
}

// Inspection helpers for assertions.

// PKCECount returns the number of stored PKCE entries.
func (s *Store) PKCECount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pkce)
}

// TokenSetCount returns the number of stored token sets, bound or not.
func (s *Store) TokenSetCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokenSets)
}

// SessionCount returns the number of stored sessions.
func (s *Store) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// AccessTokenCount returns the number of cached access tokens.
func (s *Store) AccessTokenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.accessTokens)
}

// PlaylistCacheCount returns the number of cached playlist pages.
func (s *Store) PlaylistCacheCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.playlistCache)
}

// LinkCount returns the number of playlist cache links for sessionID.
func (s *Store) LinkCount(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.links[sessionID])
}

// ProfileCount returns the number of cached profiles.
func (s *Store) ProfileCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.profiles)
}

type pkceStore struct{ s *Store }

func (p pkceStore) GetByState(_ context.Context, state string) (*domain.PKCEEntry, error) {
	if err := p.s.enter("PKCE.GetByState"); err != nil {
		return nil, err
	}
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	entry, ok := p.s.pkce[state]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

func (p pkceStore) Save(_ context.Context, entry domain.PKCEEntry) error {
	if err := p.s.enter("PKCE.Save"); err != nil {
		return err
	}
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	if _, ok := p.s.pkce[entry.State]; ok {
		return fmt.Errorf("insert pkce entry: duplicate state")
	}
	p.s.pkce[entry.State] = entry
	return nil
}

func (p pkceStore) Delete(_ context.Context, state string) error {
	if err := p.s.enter("PKCE.Delete"); err != nil {
		return err
	}
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	delete(p.s.pkce, state)
	return nil
}

type tokenSetStore struct{ s *Store }

func (t tokenSetStore) SaveByState(_ context.Context, state string, ts domain.TokenSet) (domain.TokenSet, error) {
	if err := t.s.enter("TokenSets.SaveByState"); err != nil {
		return domain.TokenSet{}, err
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if _, ok := t.s.tokenSets[ts.ID]; ok {
		return domain.TokenSet{}, fmt.Errorf("insert token set: duplicate id %d", ts.ID)
	}
	for _, row := range t.s.tokenSets {
		if row.pending == state {
			return domain.TokenSet{}, fmt.Errorf("insert token set: state already pending")
		}
	}
	ts.SessionID = ""
	t.s.tokenSets[ts.ID] = tokenSetRow{ts: ts, pending: state}
	return ts, nil
}

func (t tokenSetStore) AttachToSession(_ context.Context, state, sessionID string) error {
	if err := t.s.enter("TokenSets.AttachToSession"); err != nil {
		return err
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if _, ok := t.s.sessions[sessionID]; !ok {
		return fmt.Errorf("attach token set: session %s does not exist", sessionID)
	}
	for id, row := range t.s.tokenSets {
		if row.pending == state {
			row.ts.SessionID = sessionID
			row.pending = ""
			t.s.tokenSets[id] = row
			return nil
		}
	}
	return fmt.Errorf("attach token set: no token set pending for state")
}

func (t tokenSetStore) GetBySession(_ context.Context, sessionID string) (*domain.TokenSet, error) {
	if err := t.s.enter("TokenSets.GetBySession"); err != nil {
		return nil, err
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for _, row := range t.s.tokenSets {
		if row.ts.SessionID == sessionID && sessionID != "" {
			ts := row.ts
			return &ts, nil
		}
	}
	return nil, nil
}

func (t tokenSetStore) UpdateAfterRefresh(_ context.Context, update repository.RefreshUpdate) error {
	if err := t.s.enter("TokenSets.UpdateAfterRefresh"); err != nil {
		return err
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for id, row := range t.s.tokenSets {
		if row.ts.SessionID != update.SessionID || update.SessionID == "" {
			continue
		}
		if update.RefreshToken != "" {
			row.ts.RefreshToken = update.RefreshToken
		}
		if update.Scope != "" {
			row.ts.Scope = update.Scope
		}
		row.ts.AccessExpiresAt = update.AccessExpiresAt
		row.ts.UpdatedAt = update.UpdatedAt
		t.s.tokenSets[id] = row
		return nil
	}
	return fmt.Errorf("update token set: no rows")
}

func (t tokenSetStore) DeleteBySession(_ context.Context, sessionID string) error {
	if err := t.s.enter("TokenSets.DeleteBySession"); err != nil {
		return err
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for id, row := range t.s.tokenSets {
		if row.ts.SessionID == sessionID && sessionID != "" {
			delete(t.s.tokenSets, id)
		}
	}
	return nil
}

type accessTokenCache struct{ s *Store }

func (c accessTokenCache) GetValidBySession(_ context.Context, sessionID string, now time.Time) (*domain.AccessTokenCacheEntry, error) {
	if err := c.s.enter("AccessTokens.GetValidBySession"); err != nil {
		return nil, err
	}
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	entry, ok := c.s.accessTokens[sessionID]
	if !ok || !entry.Valid(now) {
		return nil, nil
	}
	return &entry, nil
}

func (c accessTokenCache) Upsert(_ context.Context, entry domain.AccessTokenCacheEntry) error {
	if err := c.s.enter("AccessTokens.Upsert"); err != nil {
		return err
	}
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	c.s.accessTokens[entry.SessionID] = entry
	return nil
}

func (c accessTokenCache) DeleteBySession(_ context.Context, sessionID string) error {
	if err := c.s.enter("AccessTokens.DeleteBySession"); err != nil {
		return err
	}
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	delete(c.s.accessTokens, sessionID)
	return nil
}

type denylistStore struct{ s *Store }

func (d denylistStore) Exists(_ context.Context, refreshHash string, now time.Time) (bool, error) {
	if err := d.s.enter("Denylist.Exists"); err != nil {
		return false, err
	}
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	entry, ok := d.s.denylist[refreshHash]
	return ok && now.Before(entry.ExpiresAt), nil
}

func (d denylistStore) Upsert(_ context.Context, entry domain.DenylistEntry) error {
	if err := d.s.enter("Denylist.Upsert"); err != nil {
		return err
	}
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	if existing, ok := d.s.denylist[entry.RefreshHash]; ok {
		entry.AddedAt = existing.AddedAt
	}
	d.s.denylist[entry.RefreshHash] = entry
	return nil
}

type sessionStore struct{ s *Store }

func (ss sessionStore) Insert(_ context.Context, session domain.AppSession) error {
	if err := ss.s.enter("Sessions.Insert"); err != nil {
		return err
	}
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()
	if _, ok := ss.s.sessions[session.ID]; ok {
		return fmt.Errorf("insert session: duplicate id")
	}
	ss.s.sessions[session.ID] = session
	return nil
}

func (ss sessionStore) Get(_ context.Context, sessionID string) (*domain.AppSession, error) {
	if err := ss.s.enter("Sessions.Get"); err != nil {
		return nil, err
	}
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()
	session, ok := ss.s.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	return &session, nil
}

func (ss sessionStore) Touch(_ context.Context, sessionID string, at time.Time) error {
	if err := ss.s.enter("Sessions.Touch"); err != nil {
		return err
	}
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()
	if session, ok := ss.s.sessions[sessionID]; ok {
		session.LastSeenAt = at
		ss.s.sessions[sessionID] = session
	}
	return nil
}

// Delete mirrors the ON DELETE CASCADE from app_sessions to token_sets.
func (ss sessionStore) Delete(_ context.Context, sessionID string) error {
	if err := ss.s.enter("Sessions.Delete"); err != nil {
		return err
	}
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()
	delete(ss.s.sessions, sessionID)
	for id, row := range ss.s.tokenSets {
		if row.ts.SessionID == sessionID {
			delete(ss.s.tokenSets, id)
		}
	}
	return nil
}

type playlistCacheStore struct{ s *Store }

func (p playlistCacheStore) Get(_ context.Context, key domain.PlaylistCacheKey, now time.Time) (*domain.PlaylistCacheEntry, error) {
	if err := p.s.enter("PlaylistCache.Get"); err != nil {
		return nil, err
	}
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	entry, ok := p.s.playlistCache[key]
	if !ok || !now.Before(entry.ExpiresAt) {
		return nil, nil
	}
	return &entry, nil
}

func (p playlistCacheStore) Upsert(_ context.Context, entry domain.PlaylistCacheEntry) error {
	if err := p.s.enter("PlaylistCache.Upsert"); err != nil {
		return err
	}
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	p.s.playlistCache[entry.Key] = entry
	return nil
}

func (p playlistCacheStore) Link(_ context.Context, sessionID string, key domain.PlaylistCacheKey) error {
	if err := p.s.enter("PlaylistCache.Link"); err != nil {
		return err
	}
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	if p.s.links[sessionID] == nil {
		p.s.links[sessionID] = map[domain.PlaylistCacheKey]struct{}{}
	}
	p.s.links[sessionID][key] = struct{}{}
	return nil
}

func (p playlistCacheStore) DeleteByProviderUser(_ context.Context, providerUserID string) error {
	if err := p.s.enter("PlaylistCache.DeleteByProviderUser"); err != nil {
		return err
	}
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	for key := range p.s.playlistCache {
		if key.ProviderUserID == providerUserID {
			delete(p.s.playlistCache, key)
		}
	}
	return nil
}

func (p playlistCacheStore) DeleteLinksBySession(_ context.Context, sessionID string) error {
	if err := p.s.enter("PlaylistCache.DeleteLinksBySession"); err != nil {
		return err
	}
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	delete(p.s.links, sessionID)
	return nil
}

type selectionStore struct{ s *Store }

func (sel selectionStore) Replace(_ context.Context, sessionID string, playlistIDs []string, at time.Time) error {
	if err := sel.s.enter("Selections.Replace"); err != nil {
		return err
	}
	sel.s.mu.Lock()
	defer sel.s.mu.Unlock()
	seen := map[string]bool{}
	var out []domain.PlaylistSelection
	for _, id := range playlistIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, domain.PlaylistSelection{SessionID: sessionID, PlaylistID: id, SelectedAt: at})
	}
	if len(out) == 0 {
		delete(sel.s.selections, sessionID)
		return nil
	}
	sel.s.selections[sessionID] = out
	return nil
}

func (sel selectionStore) ListBySession(_ context.Context, sessionID string) ([]domain.PlaylistSelection, error) {
	if err := sel.s.enter("Selections.ListBySession"); err != nil {
		return nil, err
	}
	sel.s.mu.Lock()
	defer sel.s.mu.Unlock()
	out := slices.Clone(sel.s.selections[sessionID])
	slices.SortFunc(out, func(a, b domain.PlaylistSelection) int {
		if c := a.SelectedAt.Compare(b.SelectedAt); c != 0 {
			return c
		}
		switch {
		case a.PlaylistID < b.PlaylistID:
			return -1
		case a.PlaylistID > b.PlaylistID:
			return 1
		}
		return 0
	})
	return out, nil
}

func (sel selectionStore) DeleteBySession(_ context.Context, sessionID string) error {
	if err := sel.s.enter("Selections.DeleteBySession"); err != nil {
		return err
	}
	sel.s.mu.Lock()
	defer sel.s.mu.Unlock()
	delete(sel.s.selections, sessionID)
	return nil
}

type profileStore struct{ s *Store }

func (p profileStore) Get(_ context.Context, providerUserID string, now time.Time) (*domain.Profile, error) {
	if err := p.s.enter("Profiles.Get"); err != nil {
		return nil, err
	}
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	profile, ok := p.s.profiles[providerUserID]
	if !ok || !now.Before(profile.ExpiresAt) {
		return nil, nil
	}
	return &profile, nil
}

func (p profileStore) Upsert(_ context.Context, profile domain.Profile) error {
	if err := p.s.enter("Profiles.Upsert"); err != nil {
		return err
	}
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	p.s.profiles[profile.ProviderUserID] = profile
	return nil
}

func (p profileStore) DeleteByProviderUser(_ context.Context, providerUserID string) error {
	if err := p.s.enter("Profiles.DeleteByProviderUser"); err != nil {
		return err
	}
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	delete(p.s.profiles, providerUserID)
	return nil
}
