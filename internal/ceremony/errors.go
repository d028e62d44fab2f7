package ceremony

import "errors"

// Expected, non-fatal outcomes of an untrusted client interaction. All of
// them recover into a failure envelope; none crash or retry.
var (
	ErrChallengeNotFound    = errors.New("ceremony: challenge not found")
	ErrChallengeConsumed    = errors.New("ceremony: challenge already consumed")
	ErrChallengeExpired     = errors.New("ceremony: challenge expired")
	ErrChallengeMismatch    = errors.New("ceremony: payload not bound to challenge")
	ErrOperationMismatch    = errors.New("ceremony: challenge issued for a different operation")
	ErrRelyingPartyMismatch = errors.New("ceremony: relying party mismatch")
	ErrUnknownCredential    = errors.New("ceremony: unknown credential")
	ErrSignatureInvalid     = errors.New("ceremony: signature invalid")
	ErrReplayDetected       = errors.New("ceremony: sign counter did not advance")
	ErrDuplicateCredential  = errors.New("ceremony: credential already registered")
	ErrMalformedPayload     = errors.New("ceremony: malformed payload")
)

// IsClientFault reports whether err belongs to the expected taxonomy above.
// Anything else is treated as a transient backend failure (store unreachable)
// and surfaced as retryable.
func IsClientFault(err error) bool {
	for _, kind := range []error{
		ErrChallengeNotFound,
		ErrChallengeConsumed,
		ErrChallengeExpired,
		ErrChallengeMismatch,
		ErrOperationMismatch,
		ErrRelyingPartyMismatch,
		ErrUnknownCredential,
		ErrSignatureInvalid,
		ErrReplayDetected,
		ErrDuplicateCredential,
		ErrMalformedPayload,
	} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}
