package ceremony

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	"attestor.org/internal/ids"
)

// MemoryChallengeStore implements ChallengeStore with in-process concurrency
// safety. Suitable for tests and DSN-less runs; the Postgres store is the
// durable implementation.
type MemoryChallengeStore struct {
	mu   sync.Mutex
	rows map[string]*Challenge
	now  func() time.Time
}

// NewMemoryChallengeStore creates an empty store.
func NewMemoryChallengeStore() *MemoryChallengeStore {
	return &MemoryChallengeStore{
		rows: make(map[string]*Challenge),
		now:  time.Now,
	}
}

func (s *MemoryChallengeStore) Issue(ctx context.Context, userAccountID, relyingPartyID string, op Operation, ttl time.Duration) (Challenge, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return Challenge{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	ch := &Challenge{
		ID:             ids.New(),
		UserAccountID:  userAccountID,
		RelyingPartyID: relyingPartyID,
		Operation:      op,
		Nonce:          nonce,
		IssuedAt:       now,
		ExpiresAt:      now.Add(ttl),
	}
	s.rows[ch.ID] = ch
	return *ch, nil
}

func (s *MemoryChallengeStore) Consume(ctx context.Context, id string) (Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.rows[id]
	if !ok {
		return Challenge{}, ErrChallengeNotFound
	}
	// Expiry wins over the consumed flag: a stale challenge is rejected
	// identically whether or not someone raced it first.
	if s.now().After(ch.ExpiresAt) {
		return Challenge{}, ErrChallengeExpired
	}
	if ch.Consumed {
		return Challenge{}, ErrChallengeConsumed
	}
	ch.Consumed = true
	out := *ch
	out.Nonce = append([]byte(nil), ch.Nonce...)
	return out, nil
}

func (s *MemoryChallengeStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for id, ch := range s.rows {
		if now.After(ch.ExpiresAt) {
			delete(s.rows, id)
			purged++
		}
	}
	return purged, nil
}

// MemoryCredentialStore implements CredentialStore with mutex-guarded maps
// keyed by relying party, then credential id.
type MemoryCredentialStore struct {
	mu   sync.Mutex
	rows map[string]map[string]*Credential
}

// NewMemoryCredentialStore creates an empty store.
func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{rows: make(map[string]map[string]*Credential)}
}

func (s *MemoryCredentialStore) Insert(ctx context.Context, cred Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID, ok := s.rows[cred.RelyingPartyID]
	if !ok {
		byID = make(map[string]*Credential)
		s.rows[cred.RelyingPartyID] = byID
	}
	key := string(cred.CredentialID)
	if _, exists := byID[key]; exists {
		return ErrDuplicateCredential
	}
	stored := cred
	stored.CredentialID = append([]byte(nil), cred.CredentialID...)
	stored.PublicKey = append([]byte(nil), cred.PublicKey...)
	byID[key] = &stored
	return nil
}

func (s *MemoryCredentialStore) Find(ctx context.Context, relyingPartyID string, credentialID []byte) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.rows[relyingPartyID][string(credentialID)]
	if !ok {
		return Credential{}, ErrUnknownCredential
	}
	out := *cred
	out.CredentialID = append([]byte(nil), cred.CredentialID...)
	out.PublicKey = append([]byte(nil), cred.PublicKey...)
	return out, nil
}

func (s *MemoryCredentialStore) AdvanceSignCount(ctx context.Context, relyingPartyID string, credentialID []byte, observed uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.rows[relyingPartyID][string(credentialID)]
	if !ok || cred.Status != StatusActive {
		return ErrUnknownCredential
	}
	if observed <= cred.SignCount {
		return ErrReplayDetected
	}
	cred.SignCount = observed
	return nil
}

func (s *MemoryCredentialStore) Revoke(ctx context.Context, relyingPartyID string, credentialID []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.rows[relyingPartyID][string(credentialID)]
	if !ok {
		return ErrUnknownCredential
	}
	cred.Status = StatusRevoked
	return nil
}
