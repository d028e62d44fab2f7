package ceremony

import (
	"context"
	"crypto/sha256"
	"strings"
	"time"

	"attestor.org/internal/obs"
	"attestor.org/internal/protocol"
)

// Policy carries the configurable verification knobs.
type Policy struct {
	// AllowZeroSignCount accepts authenticator classes that always report
	// a zero counter: an observed zero against a stored zero passes without
	// advancing. Any other non-increase is still a replay.
	AllowZeroSignCount bool
}

// Engine orchestrates both ceremonies against the two stores. It holds no
// per-request state; all shared mutable state lives behind the store
// interfaces.
type Engine struct {
	challenges  ChallengeStore
	credentials CredentialStore
	policy      Policy
	now         func() time.Time
}

// NewEngine wires an engine over the given stores.
func NewEngine(challenges ChallengeStore, credentials CredentialStore, policy Policy) *Engine {
	return &Engine{
		challenges:  challenges,
		credentials: credentials,
		policy:      policy,
		now:         time.Now,
	}
}

// IssueChallenge creates a single-use challenge for the given user, relying
// party, and operation.
func (e *Engine) IssueChallenge(ctx context.Context, userAccountID, relyingPartyID string, op Operation, ttl time.Duration) (Challenge, error) {
	if strings.TrimSpace(userAccountID) == "" || strings.TrimSpace(relyingPartyID) == "" {
		return Challenge{}, ErrMalformedPayload
	}
	if op != OperationRegister && op != OperationAssert {
		return Challenge{}, ErrOperationMismatch
	}
	return e.challenges.Issue(ctx, userAccountID, relyingPartyID, op, ttl)
}

// Complete runs the ceremony a payload belongs to against the named
// challenge. The envelope shape decides which ceremony runs; a payload that
// decodes as neither kind fails before anything is consumed, so malformed
// input never mutates state.
func (e *Engine) Complete(ctx context.Context, challengeID string, payload []byte) (*Result, error) {
	if reg, err := protocol.DecodeRegistrationPayload(payload); err == nil {
		return e.register(ctx, challengeID, reg)
	}
	if asrt, err := protocol.DecodeAssertionPayload(payload); err == nil {
		return e.assert(ctx, challengeID, asrt)
	}
	return nil, ErrMalformedPayload
}

// register validates a decoded registration payload and commits the new
// credential. Challenge consumption comes first: it is cheap and burns the
// challenge regardless of what the rest of the validation finds.
func (e *Engine) register(ctx context.Context, challengeID string, p *protocol.RegistrationPayload) (*Result, error) {
	ch, err := e.challenges.Consume(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if ch.Operation != OperationRegister {
		return nil, ErrOperationMismatch
	}
	if ch.RelyingPartyID != p.RelyingPartyID {
		return nil, ErrRelyingPartyMismatch
	}
	if p.AuthData.RPIDHash != protocol.RPIDHash(ch.RelyingPartyID) {
		return nil, ErrRelyingPartyMismatch
	}
	if !p.ClientData.ChallengeEqual(ch.Nonce) {
		return nil, ErrChallengeMismatch
	}

	keyBytes, err := p.PublicKey().MarshalCOSE()
	if err != nil {
		return nil, ErrMalformedPayload
	}
	now := e.now().UTC()
	cred := Credential{
		CredentialID:   p.CredentialID(),
		UserAccountID:  ch.UserAccountID,
		RelyingPartyID: ch.RelyingPartyID,
		Algorithm:      p.PublicKey().Algorithm,
		PublicKey:      keyBytes,
		// The stored counter starts at zero regardless of what the
		// registration payload reported; the first assertion establishes
		// the baseline.
		SignCount: 0,
		CreatedAt: now,
		Status:    StatusActive,
	}
	if err := e.credentials.Insert(ctx, cred); err != nil {
		return nil, err
	}

	return &Result{
		Operation:      OperationRegister,
		UserAccountID:  ch.UserAccountID,
		CredentialID:   cred.CredentialID,
		RelyingPartyID: ch.RelyingPartyID,
		VerifiedAt:     now,
	}, nil
}

// assert validates a decoded assertion payload against the stored
// credential. Signature verification strictly precedes the counter gate so
// the replay check never answers for a forged signature.
func (e *Engine) assert(ctx context.Context, challengeID string, p *protocol.AssertionPayload) (*Result, error) {
	ch, err := e.challenges.Consume(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if ch.Operation != OperationAssert {
		return nil, ErrOperationMismatch
	}
	if ch.RelyingPartyID != p.RelyingPartyID {
		return nil, ErrRelyingPartyMismatch
	}

	cred, err := e.credentials.Find(ctx, ch.RelyingPartyID, p.CredentialID)
	if err != nil {
		return nil, err
	}
	if cred.Status != StatusActive || cred.UserAccountID != ch.UserAccountID {
		return nil, ErrUnknownCredential
	}

	// Phishing resistance: the authenticator signed the hash of the domain
	// it really talked to. A credential presented under the wrong relying
	// party fails here even with a structurally valid signature.
	if p.AuthData.RPIDHash != protocol.RPIDHash(ch.RelyingPartyID) {
		return nil, ErrRelyingPartyMismatch
	}
	if !p.ClientData.ChallengeEqual(ch.Nonce) {
		return nil, ErrChallengeMismatch
	}

	key, err := protocol.ParsePublicKey(cred.PublicKey)
	if err != nil || key.Algorithm != cred.Algorithm {
		return nil, ErrUnknownCredential
	}
	clientDataHash := sha256.Sum256(p.ClientDataJSON)
	message := append(append([]byte(nil), p.RawAuthData...), clientDataHash[:]...)
	if err := key.Verify(message, p.Signature); err != nil {
		return nil, ErrSignatureInvalid
	}

	observed := p.AuthData.SignCount
	if e.policy.AllowZeroSignCount && observed == 0 && cred.SignCount == 0 {
		obs.Logger().WithField("relying_party_id", ch.RelyingPartyID).
			Debug("accepting zero sign counter per policy")
	} else if err := e.credentials.AdvanceSignCount(ctx, ch.RelyingPartyID, p.CredentialID, observed); err != nil {
		return nil, err
	}

	return &Result{
		Operation:      OperationAssert,
		UserAccountID:  ch.UserAccountID,
		CredentialID:   append([]byte(nil), p.CredentialID...),
		RelyingPartyID: ch.RelyingPartyID,
		VerifiedAt:     e.now().UTC(),
	}, nil
}

// Revoke is the out-of-band unregister path. It is not a ceremony: no
// challenge is involved, only an explicit external trigger.
func (e *Engine) Revoke(ctx context.Context, relyingPartyID string, credentialID []byte) error {
	if relyingPartyID == "" || len(credentialID) == 0 {
		return ErrUnknownCredential
	}
	return e.credentials.Revoke(ctx, relyingPartyID, credentialID)
}

// PurgeExpired forwards to the challenge store's reclamation.
func (e *Engine) PurgeExpired(ctx context.Context) (int, error) {
	return e.challenges.PurgeExpired(ctx, e.now().UTC())
}
