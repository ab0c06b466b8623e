// Package credential holds the access/refresh credential pair for the
// current session. Store is the only accessor; every other component reads
// credentials through the gateway.
package credential

import (
	"context"
	"log"
	"sync"
	"time"
)

// DefaultExpirySkew is subtracted from ExpiresAt when checking expiry so that
// a token is renewed slightly before the server would reject it.
const DefaultExpirySkew = 10 * time.Second

// Credential is the access/refresh token pair of one authenticated session.
type Credential struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time // zero when the access token carries no exp claim
}

// Expired reports whether the access token is expired at now, allowing skew.
// A credential without a known expiry is never considered expired locally.
func (c Credential) Expired(now time.Time, skew time.Duration) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(skew).Before(c.ExpiresAt)
}

// Persister saves credentials outside the process so that a restart can
// resume the session. Load returns ok=false when nothing is stored.
type Persister interface {
	Load(ctx context.Context) (Credential, bool, error)
	Save(ctx context.Context, c Credential) error
	Clear(ctx context.Context) error
}

// Store holds exactly one live Credential or none. The in-memory value is
// authoritative; persistence failures are logged and otherwise ignored.
type Store struct {
	mu        sync.RWMutex
	cred      Credential
	present   bool
	gen       uint64 // bumped by every Set, UpdateAccess and Clear
	persister Persister
	timeout   time.Duration

	// persistMu orders persister writes. A write is skipped when a later
	// mutation already happened, so the persister always ends up holding
	// the latest in-memory state.
	persistMu sync.Mutex
}

// NewStore creates an empty Store. A nil persister keeps credentials in
// memory only.
func NewStore(p Persister) *Store {
	if p == nil {
		p = NewMemoryPersister()
	}
	return &Store{persister: p, timeout: 3 * time.Second}
}

// Set replaces the current credential.
func (s *Store) Set(c Credential) {
	s.mu.Lock()
	s.cred = c
	s.present = true
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	s.persist(gen, c)
}

// Get returns the current credential, or ok=false after Clear.
func (s *Store) Get() (Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cred, s.present
}

// UpdateAccess swaps in a renewed access token, keeping the refresh token.
// It returns false and changes nothing if the store is empty, which happens
// when a logout raced the renewal.
func (s *Store) UpdateAccess(accessToken string, expiresAt time.Time) bool {
	s.mu.Lock()
	if !s.present {
		s.mu.Unlock()
		return false
	}
	s.cred.AccessToken = accessToken
	s.cred.ExpiresAt = expiresAt
	s.gen++
	gen := s.gen
	c := s.cred
	s.mu.Unlock()

	s.persist(gen, c)
	return true
}

// Clear removes the credential from memory and from the persister.
func (s *Store) Clear() {
	s.mu.Lock()
	s.cred = Credential{}
	s.present = false
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	if !s.current(gen) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.persister.Clear(ctx); err != nil {
		log.Printf("[credential] clear persisted credential: %v", err)
	}
}

// Restore loads a persisted credential into memory. It reports whether one
// was found. Restore never overwrites a credential that is already set.
func (s *Store) Restore(ctx context.Context) (bool, error) {
	c, ok, err := s.persister.Load(ctx)
	if err != nil || !ok {
		return false, err
	}
	if c.ExpiresAt.IsZero() {
		if exp, ok := ExpiryFromToken(c.AccessToken); ok {
			c.ExpiresAt = exp
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.present {
		return true, nil
	}
	s.cred = c
	s.present = true
	return true, nil
}

// current reports whether no mutation happened after the one numbered gen.
func (s *Store) current(gen uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gen == gen
}

func (s *Store) persist(gen uint64, c Credential) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	if !s.current(gen) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.persister.Save(ctx, c); err != nil {
		log.Printf("[credential] persist credential: %v", err)
	}
}

// MemoryPersister keeps the two token entries in a process-local map.
type MemoryPersister struct {
	mu      sync.Mutex
	entries map[string]string
	expires time.Time
}

// NewMemoryPersister creates an empty MemoryPersister.
func NewMemoryPersister() *MemoryPersister {
	return &MemoryPersister{entries: make(map[string]string)}
}

func (m *MemoryPersister) Load(context.Context) (Credential, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	access, ok := m.entries[keyAccess]
	if !ok || access == "" {
		return Credential{}, false, nil
	}
	return Credential{
		AccessToken:  access,
		RefreshToken: m.entries[keyRefresh],
		ExpiresAt:    m.expires,
	}, true, nil
}

func (m *MemoryPersister) Save(_ context.Context, c Credential) error {
	m.mu.Lock()
	m.entries[keyAccess] = c.AccessToken
	m.entries[keyRefresh] = c.RefreshToken
	m.expires = c.ExpiresAt
	m.mu.Unlock()
	return nil
}

func (m *MemoryPersister) Clear(context.Context) error {
	m.mu.Lock()
	m.entries = make(map[string]string)
	m.expires = time.Time{}
	m.mu.Unlock()
	return nil
}
