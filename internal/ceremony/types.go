// Package ceremony implements the challenge-bound registration and assertion
// ceremonies: it owns challenge and credential state and enforces the
// exactly-once, anti-replay, and cross-domain invariants of the engine.
package ceremony

import (
	"time"

	"attestor.org/internal/protocol"
)

// Operation distinguishes the two ceremony kinds a challenge can be issued
// for.
type Operation string

const (
	OperationRegister Operation = "register"
	OperationAssert   Operation = "assert"
)

// ParseOperation maps a wire value onto the closed operation set.
func ParseOperation(s string) (Operation, bool) {
	switch Operation(s) {
	case OperationRegister:
		return OperationRegister, true
	case OperationAssert:
		return OperationAssert, true
	}
	return "", false
}

// NonceSize is the length of issued challenge nonces. The protocol minimum is
// 16 bytes; 32 matches the hash width used everywhere else.
const NonceSize = 32

// Challenge is a single-use random value binding one ceremony to one user,
// relying party, and operation. Consumed flips exactly once; expiry is
// enforced at consume time by timestamp comparison.
type Challenge struct {
	ID             string    `json:"id"`
	UserAccountID  string    `json:"user_account_id"`
	RelyingPartyID string    `json:"relying_party_id"`
	Operation      Operation `json:"operation"`
	Nonce          []byte    `json:"nonce"`
	IssuedAt       time.Time `json:"issued_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	Consumed       bool      `json:"consumed"`
}

// CredentialStatus is the lifecycle state of a stored credential. Revoked is
// terminal.
type CredentialStatus string

const (
	StatusActive  CredentialStatus = "active"
	StatusRevoked CredentialStatus = "revoked"
)

// Credential is a registered public-key credential. The id is unique within
// its relying party; SignCount only ever moves forward.
type Credential struct {
	CredentialID   []byte             `json:"credential_id"`
	UserAccountID  string             `json:"user_account_id"`
	RelyingPartyID string             `json:"relying_party_id"`
	Algorithm      protocol.Algorithm `json:"algorithm"`
	PublicKey      []byte             `json:"public_key"` // COSE-encoded key material
	SignCount      uint32             `json:"sign_count"`
	CreatedAt      time.Time          `json:"created_at"`
	Status         CredentialStatus   `json:"status"`
}

// Result is the ephemeral outcome of a successful ceremony, consumed
// immediately by the claims emitter and never persisted.
type Result struct {
	Operation      Operation
	UserAccountID  string
	CredentialID   []byte
	RelyingPartyID string
	VerifiedAt     time.Time
}
