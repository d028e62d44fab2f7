// Package claims turns ceremony outcomes into the coarse envelope handed to
// the federation layer. An envelope never carries credential ids, counters,
// or any other engine internals: a relying party learns who verified, or a
// single reason code, and nothing else.
package claims

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"attestor.org/internal/ceremony"
)

const issuer = "attestor"

// Reason codes carried by failure envelopes. Deliberately coarse: every
// verification defect an attacker could probe collapses into one code.
const (
	ReasonMalformedPayload = "malformed_payload"
	ReasonChallengeInvalid = "challenge_invalid"
	ReasonVerifyFailed     = "verification_failed"
	ReasonCredentialExists = "credential_exists"
	ReasonTryAgain         = "try_again"
)

// Envelope is the externally visible outcome of a ceremony. Status doubles
// as the HTTP status the transport responds with.
type Envelope struct {
	Status        int    `json:"status"`
	UserAccountID string `json:"user_account_id,omitempty"`
	ReasonCode    string `json:"reason_code,omitempty"`
	ClaimsToken   string `json:"claims_token,omitempty"`
}

// Retryable reports whether the caller may retry the same submission. Only
// backend-failure envelopes qualify; every verification failure is final for
// its challenge.
func (e Envelope) Retryable() bool { return e.ReasonCode == ReasonTryAgain }

// Token claims minted on success for downstream session issuance.
type Token struct {
	Operation string `json:"op"`
	jwt.RegisteredClaims
}

// Emitter maps engine results and errors onto envelopes. Stateless apart
// from the signing secret; both methods are pure and idempotent.
type Emitter struct {
	secret   []byte
	tokenTTL time.Duration
	now      func() time.Time
}

// NewEmitter builds an emitter. With an empty secret, success envelopes are
// issued without a claims token.
func NewEmitter(secret string, tokenTTL time.Duration) *Emitter {
	return &Emitter{secret: []byte(secret), tokenTTL: tokenTTL, now: time.Now}
}

// Success builds the envelope for a verified ceremony.
func (em *Emitter) Success(res *ceremony.Result) Envelope {
	env := Envelope{Status: 200, UserAccountID: res.UserAccountID}
	if len(em.secret) == 0 {
		return env
	}
	token, err := em.mint(res)
	if err != nil {
		// A signing failure must not fail a verified ceremony; the
		// envelope simply goes out tokenless.
		return env
	}
	env.ClaimsToken = token
	return env
}

// Failure classifies err into a failure envelope. Errors outside the
// ceremony taxonomy are treated as backend failures and marked retryable.
func (em *Emitter) Failure(err error) Envelope {
	switch {
	case errors.Is(err, ceremony.ErrMalformedPayload):
		return Envelope{Status: 400, ReasonCode: ReasonMalformedPayload}
	case errors.Is(err, ceremony.ErrChallengeNotFound),
		errors.Is(err, ceremony.ErrChallengeConsumed),
		errors.Is(err, ceremony.ErrChallengeExpired),
		errors.Is(err, ceremony.ErrChallengeMismatch),
		errors.Is(err, ceremony.ErrOperationMismatch):
		return Envelope{Status: 403, ReasonCode: ReasonChallengeInvalid}
	case errors.Is(err, ceremony.ErrRelyingPartyMismatch),
		errors.Is(err, ceremony.ErrUnknownCredential),
		errors.Is(err, ceremony.ErrSignatureInvalid),
		errors.Is(err, ceremony.ErrReplayDetected):
		return Envelope{Status: 403, ReasonCode: ReasonVerifyFailed}
	case errors.Is(err, ceremony.ErrDuplicateCredential):
		return Envelope{Status: 409, ReasonCode: ReasonCredentialExists}
	default:
		return Envelope{Status: 503, ReasonCode: ReasonTryAgain}
	}
}

func (em *Emitter) mint(res *ceremony.Result) (string, error) {
	now := em.now().UTC()
	claims := Token{
		Operation: string(res.Operation),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   res.UserAccountID,
			Audience:  jwt.ClaimStrings{res.RelyingPartyID},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(em.tokenTTL)),
			ID:        uuid.NewString(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(em.secret)
}

// ParseToken verifies a claims token against the shared secret. Used by the
// smoke client and by federation-side consumers embedding this module.
func ParseToken(secret, token string) (*Token, error) {
	parsed, err := jwt.ParseWithClaims(token, &Token{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("claims: unexpected signing method")
		}
		return []byte(secret), nil
	}, jwt.WithIssuer(issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, errors.New("claims: invalid token")
	}
	claims, ok := parsed.Claims.(*Token)
	if !ok || !parsed.Valid {
		return nil, errors.New("claims: invalid token")
	}
	return claims, nil
}
