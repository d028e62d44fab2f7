package ceremony

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestChallengeConsumeExactlyOnce(t *testing.T) {
	s := NewMemoryChallengeStore()
	ctx := context.Background()

	ch, err := s.Issue(ctx, "user-1", "login.example.com", OperationAssert, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(ch.Nonce) != NonceSize {
		t.Fatalf("nonce length %d, want %d", len(ch.Nonce), NonceSize)
	}

	var wins, losses atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Consume(ctx, ch.ID)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrChallengeConsumed):
				losses.Add(1)
			default:
				t.Errorf("unexpected consume error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 || losses.Load() != 63 {
		t.Fatalf("wins=%d losses=%d, want exactly one winner", wins.Load(), losses.Load())
	}
}

func TestChallengeConsumeMissing(t *testing.T) {
	s := NewMemoryChallengeStore()
	if _, err := s.Consume(context.Background(), "no-such-row"); !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("expected ErrChallengeNotFound, got %v", err)
	}
}

func TestChallengeExpiryBeatsConsumption(t *testing.T) {
	s := NewMemoryChallengeStore()
	ctx := context.Background()

	base := time.Now().UTC()
	s.now = func() time.Time { return base }

	ch, err := s.Issue(ctx, "user-1", "login.example.com", OperationAssert, 60*time.Second)
	if err != nil {
		t.Fatal(err)
	}

	// t=61s: expired even though never consumed.
	s.now = func() time.Time { return base.Add(61 * time.Second) }
	if _, err := s.Consume(ctx, ch.ID); !errors.Is(err, ErrChallengeExpired) {
		t.Fatalf("expected ErrChallengeExpired, got %v", err)
	}
	// Still expired on the second attempt, not "already consumed".
	if _, err := s.Consume(ctx, ch.ID); !errors.Is(err, ErrChallengeExpired) {
		t.Fatalf("expected ErrChallengeExpired again, got %v", err)
	}
}

func TestChallengePurgeExpired(t *testing.T) {
	s := NewMemoryChallengeStore()
	ctx := context.Background()

	fresh, _ := s.Issue(ctx, "user-1", "login.example.com", OperationAssert, time.Hour)
	stale, _ := s.Issue(ctx, "user-1", "login.example.com", OperationAssert, time.Millisecond)

	purged, err := s.PurgeExpired(ctx, time.Now().UTC().Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if purged != 1 {
		t.Fatalf("purged %d rows, want 1", purged)
	}
	if _, err := s.Consume(ctx, fresh.ID); err != nil {
		t.Fatalf("fresh challenge should survive purge: %v", err)
	}
	if _, err := s.Consume(ctx, stale.ID); !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("expected ErrChallengeNotFound after purge, got %v", err)
	}
}

func TestCredentialInsertDuplicate(t *testing.T) {
	s := NewMemoryCredentialStore()
	ctx := context.Background()

	cred := Credential{
		CredentialID:   []byte("cred-1"),
		UserAccountID:  "user-1",
		RelyingPartyID: "login.example.com",
		Status:         StatusActive,
	}
	if err := s.Insert(ctx, cred); err != nil {
		t.Fatal(err)
	}
	if err := s.Insert(ctx, cred); !errors.Is(err, ErrDuplicateCredential) {
		t.Fatalf("expected ErrDuplicateCredential, got %v", err)
	}

	// Same id under another relying party is a distinct credential.
	other := cred
	other.RelyingPartyID = "admin.example.com"
	if err := s.Insert(ctx, other); err != nil {
		t.Fatalf("same id under another relying party should insert: %v", err)
	}
}

func TestAdvanceSignCountMonotonic(t *testing.T) {
	s := NewMemoryCredentialStore()
	ctx := context.Background()
	rp := "login.example.com"
	id := []byte("cred-1")

	if err := s.Insert(ctx, Credential{CredentialID: id, RelyingPartyID: rp, UserAccountID: "user-1", SignCount: 5, Status: StatusActive}); err != nil {
		t.Fatal(err)
	}

	if err := s.AdvanceSignCount(ctx, rp, id, 5); !errors.Is(err, ErrReplayDetected) {
		t.Fatalf("equal counter must be a replay, got %v", err)
	}
	if err := s.AdvanceSignCount(ctx, rp, id, 4); !errors.Is(err, ErrReplayDetected) {
		t.Fatalf("lower counter must be a replay, got %v", err)
	}
	if err := s.AdvanceSignCount(ctx, rp, id, 6); err != nil {
		t.Fatal(err)
	}
	cred, err := s.Find(ctx, rp, id)
	if err != nil {
		t.Fatal(err)
	}
	if cred.SignCount != 6 {
		t.Fatalf("sign count %d, want 6", cred.SignCount)
	}
}

func TestAdvanceSignCountSingleWinner(t *testing.T) {
	s := NewMemoryCredentialStore()
	ctx := context.Background()
	rp := "login.example.com"
	id := []byte("cred-1")

	if err := s.Insert(ctx, Credential{CredentialID: id, RelyingPartyID: rp, UserAccountID: "user-1", SignCount: 0, Status: StatusActive}); err != nil {
		t.Fatal(err)
	}

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.AdvanceSignCount(ctx, rp, id, 1); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("%d winners for counter 1, want exactly one", wins.Load())
	}
}

func TestRevokeIsTerminal(t *testing.T) {
	s := NewMemoryCredentialStore()
	ctx := context.Background()
	rp := "login.example.com"
	id := []byte("cred-1")

	if err := s.Insert(ctx, Credential{CredentialID: id, RelyingPartyID: rp, UserAccountID: "user-1", SignCount: 3, Status: StatusActive}); err != nil {
		t.Fatal(err)
	}
	if err := s.Revoke(ctx, rp, id); err != nil {
		t.Fatal(err)
	}
	cred, err := s.Find(ctx, rp, id)
	if err != nil {
		t.Fatal(err)
	}
	if cred.Status != StatusRevoked {
		t.Fatalf("status %s, want revoked", cred.Status)
	}
	if err := s.AdvanceSignCount(ctx, rp, id, 10); !errors.Is(err, ErrUnknownCredential) {
		t.Fatalf("revoked credential must not advance, got %v", err)
	}
}
