package ceremony

import (
	"context"
	"time"
)

// ChallengeStore owns challenge rows. Consume is the exactly-once gate: it
// must be an atomic check-and-set at the storage layer, never a caller-side
// read-then-write.
type ChallengeStore interface {
	// Issue persists a fresh unconsumed challenge with a random nonce.
	Issue(ctx context.Context, userAccountID, relyingPartyID string, op Operation, ttl time.Duration) (Challenge, error)

	// Consume atomically transitions a challenge from issued to consumed.
	// Exactly one caller wins; the rest see ErrChallengeConsumed. Expired
	// rows answer ErrChallengeExpired whether or not reclamation has run,
	// and an expired row is never consumable.
	Consume(ctx context.Context, id string) (Challenge, error)

	// PurgeExpired removes rows past their expiry. Optional maintenance;
	// correctness never depends on it running.
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

// CredentialStore owns credential rows, keyed by (relyingPartyID,
// credentialID). AdvanceSignCount is the anti-clone gate and must be atomic
// with respect to concurrent assertions on the same credential.
type CredentialStore interface {
	// Insert fails with ErrDuplicateCredential when the id already exists
	// within the relying party.
	Insert(ctx context.Context, cred Credential) error

	// Find returns ErrUnknownCredential when absent.
	Find(ctx context.Context, relyingPartyID string, credentialID []byte) (Credential, error)

	// AdvanceSignCount stores observed as the new counter only if it is
	// strictly greater than the stored value and the credential is active;
	// otherwise it fails with ErrReplayDetected (or ErrUnknownCredential)
	// and mutates nothing.
	AdvanceSignCount(ctx context.Context, relyingPartyID string, credentialID []byte, observed uint32) error

	// Revoke marks a credential revoked. Terminal: a revoked credential
	// never becomes active again.
	Revoke(ctx context.Context, relyingPartyID string, credentialID []byte) error
}
