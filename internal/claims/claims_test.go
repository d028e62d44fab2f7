package claims

import (
	"errors"
	"testing"
	"time"

	"attestor.org/internal/ceremony"
)

func TestSuccessEnvelope(t *testing.T) {
	em := NewEmitter("sekret", 2*time.Minute)
	res := &ceremony.Result{
		Operation:      ceremony.OperationAssert,
		UserAccountID:  "user-1",
		CredentialID:   []byte("cred-1"),
		RelyingPartyID: "login.example.com",
		VerifiedAt:     time.Now().UTC(),
	}

	env := em.Success(res)
	if env.Status != 200 {
		t.Fatalf("status %d, want 200", env.Status)
	}
	if env.UserAccountID != "user-1" {
		t.Fatalf("user account id %q", env.UserAccountID)
	}
	if env.ReasonCode != "" {
		t.Fatalf("success envelope carries a reason code: %q", env.ReasonCode)
	}
	if env.ClaimsToken == "" {
		t.Fatal("expected a claims token")
	}

	claims, err := ParseToken("sekret", env.ClaimsToken)
	if err != nil {
		t.Fatal(err)
	}
	if claims.Subject != "user-1" {
		t.Fatalf("token subject %q", claims.Subject)
	}
	if claims.Operation != "assert" {
		t.Fatalf("token operation %q", claims.Operation)
	}
	if len(claims.Audience) != 1 || claims.Audience[0] != "login.example.com" {
		t.Fatalf("token audience %v", claims.Audience)
	}

	if _, err := ParseToken("wrong-secret", env.ClaimsToken); err == nil {
		t.Fatal("token validated under the wrong secret")
	}
}

func TestSuccessWithoutSecret(t *testing.T) {
	em := NewEmitter("", time.Minute)
	env := em.Success(&ceremony.Result{UserAccountID: "user-1"})
	if env.Status != 200 || env.ClaimsToken != "" {
		t.Fatalf("expected tokenless 200, got %+v", env)
	}
}

func TestFailureClassification(t *testing.T) {
	em := NewEmitter("sekret", time.Minute)

	cases := map[string]struct {
		err    error
		status int
		reason string
	}{
		"malformed":    {ceremony.ErrMalformedPayload, 400, ReasonMalformedPayload},
		"not found":    {ceremony.ErrChallengeNotFound, 403, ReasonChallengeInvalid},
		"consumed":     {ceremony.ErrChallengeConsumed, 403, ReasonChallengeInvalid},
		"expired":      {ceremony.ErrChallengeExpired, 403, ReasonChallengeInvalid},
		"nonce":        {ceremony.ErrChallengeMismatch, 403, ReasonChallengeInvalid},
		"operation":    {ceremony.ErrOperationMismatch, 403, ReasonChallengeInvalid},
		"cross rp":     {ceremony.ErrRelyingPartyMismatch, 403, ReasonVerifyFailed},
		"unknown cred": {ceremony.ErrUnknownCredential, 403, ReasonVerifyFailed},
		"signature":    {ceremony.ErrSignatureInvalid, 403, ReasonVerifyFailed},
		"replay":       {ceremony.ErrReplayDetected, 403, ReasonVerifyFailed},
		"duplicate":    {ceremony.ErrDuplicateCredential, 409, ReasonCredentialExists},
		"backend":      {errors.New("dial tcp: connection refused"), 503, ReasonTryAgain},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			env := em.Failure(tc.err)
			if env.Status != tc.status || env.ReasonCode != tc.reason {
				t.Fatalf("got {%d %q}, want {%d %q}", env.Status, env.ReasonCode, tc.status, tc.reason)
			}
			if env.UserAccountID != "" || env.ClaimsToken != "" {
				t.Fatalf("failure envelope leaks identity fields: %+v", env)
			}
			if env.Retryable() != (tc.reason == ReasonTryAgain) {
				t.Fatalf("retryable misclassified for %q", tc.reason)
			}
		})
	}
}

// Distinct verification defects must be indistinguishable from each other in
// the envelope: same status, same reason code.
func TestVerificationFailuresIndistinguishable(t *testing.T) {
	em := NewEmitter("sekret", time.Minute)
	base := em.Failure(ceremony.ErrSignatureInvalid)
	for _, err := range []error{
		ceremony.ErrRelyingPartyMismatch,
		ceremony.ErrUnknownCredential,
		ceremony.ErrReplayDetected,
	} {
		if env := em.Failure(err); env != base {
			t.Fatalf("envelope for %v differs: %+v vs %+v", err, env, base)
		}
	}
}
