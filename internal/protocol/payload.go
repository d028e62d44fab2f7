// Package protocol implements the binary codec for the payloads an
// authenticator submits: CBOR envelopes around the WebAuthn authenticator
// data layout, COSE credential public keys, and the client data JSON that
// binds a ceremony to its challenge. The codec performs no storage or network
// I/O; malformed input fails without partial effects.
package protocol

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
)

// ErrMalformed is the root of every decode failure in this package. Callers
// match it with errors.Is and report a single coarse decode outcome.
var ErrMalformed = errors.New("malformed payload")

// Client data ceremony types.
// https://www.w3.org/TR/webauthn-3/#dictionary-client-data
const (
	ClientDataTypeCreate = "webauthn.create"
	ClientDataTypeGet    = "webauthn.get"
)

// MaxPayloadSize bounds the byte buffers this codec will look at.
const MaxPayloadSize = 64 << 10

// ClientData is the authenticator-visible request context. The challenge is
// transported base64url-encoded inside the JSON document.
type ClientData struct {
	Type      string
	Challenge []byte
	Origin    string
}

// ChallengeEqual compares the embedded challenge against the issued nonce in
// constant time.
func (c *ClientData) ChallengeEqual(nonce []byte) bool {
	return subtle.ConstantTimeCompare(c.Challenge, nonce) == 1
}

type clientDataJSON struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	Origin    string `json:"origin"`
}

// ParseClientData decodes the client data JSON document.
func ParseClientData(raw []byte) (*ClientData, error) {
	var doc clientDataJSON
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Wrap(ErrMalformed, "client data is not valid json")
	}
	challenge, err := base64.RawURLEncoding.DecodeString(doc.Challenge)
	if err != nil {
		return nil, errors.Wrap(ErrMalformed, "client data challenge is not base64url")
	}
	return &ClientData{Type: doc.Type, Challenge: challenge, Origin: doc.Origin}, nil
}

// MarshalClientData is the encoding counterpart used by the software
// authenticator.
func MarshalClientData(ceremonyType string, nonce []byte, origin string) ([]byte, error) {
	return json.Marshal(clientDataJSON{
		Type:      ceremonyType,
		Challenge: base64.RawURLEncoding.EncodeToString(nonce),
		Origin:    origin,
	})
}

type registrationEnvelope struct {
	RelyingPartyID string `cbor:"rpId"`
	ClientDataJSON []byte `cbor:"clientDataJSON"`
	AuthData       []byte `cbor:"authData"`
}

type assertionEnvelope struct {
	RelyingPartyID string `cbor:"rpId"`
	CredentialID   []byte `cbor:"credentialId"`
	ClientDataJSON []byte `cbor:"clientDataJSON"`
	AuthData       []byte `cbor:"authData"`
	Signature      []byte `cbor:"signature"`
}

// RegistrationPayload is a decoded credential creation response.
type RegistrationPayload struct {
	RelyingPartyID string
	ClientDataJSON []byte
	ClientData     *ClientData
	RawAuthData    []byte
	AuthData       AuthenticatorData
}

// CredentialID returns the attested credential id.
func (p *RegistrationPayload) CredentialID() []byte {
	return p.AuthData.Attested.CredentialID
}

// PublicKey returns the attested credential public key.
func (p *RegistrationPayload) PublicKey() *PublicKey {
	return &p.AuthData.Attested.PublicKey
}

// AssertionPayload is a decoded proof-of-possession response. RawAuthData is
// kept byte-exact: it is half of the signed message.
type AssertionPayload struct {
	RelyingPartyID string
	CredentialID   []byte
	ClientDataJSON []byte
	ClientData     *ClientData
	RawAuthData    []byte
	AuthData       AuthenticatorData
	Signature      []byte
}

// DecodeRegistrationPayload parses and validates the structure of a
// registration submission. Semantics (challenge binding, relying-party
// checks) are the ceremony's job, not the codec's.
func DecodeRegistrationPayload(raw []byte) (*RegistrationPayload, error) {
	if len(raw) == 0 || len(raw) > MaxPayloadSize {
		return nil, errors.Wrap(ErrMalformed, "payload size out of bounds")
	}
	var env registrationEnvelope
	if err := cbor.Unmarshal(raw, &env); err != nil {
		return nil, errors.Wrap(ErrMalformed, "registration envelope is not valid cbor")
	}
	if env.RelyingPartyID == "" || len(env.ClientDataJSON) == 0 || len(env.AuthData) == 0 {
		return nil, errors.Wrap(ErrMalformed, "registration envelope is missing required fields")
	}

	p := &RegistrationPayload{
		RelyingPartyID: env.RelyingPartyID,
		ClientDataJSON: env.ClientDataJSON,
		RawAuthData:    env.AuthData,
	}
	if err := UnmarshalAuthenticatorData(env.AuthData, &p.AuthData); err != nil {
		return nil, err
	}
	if p.AuthData.Attested == nil {
		return nil, errors.Wrap(ErrMalformed, "registration carries no attested credential")
	}
	clientData, err := ParseClientData(env.ClientDataJSON)
	if err != nil {
		return nil, err
	}
	if clientData.Type != ClientDataTypeCreate {
		return nil, errors.Wrapf(ErrMalformed, "unexpected client data type %q", clientData.Type)
	}
	p.ClientData = clientData
	return p, nil
}

// DecodeAssertionPayload parses and validates the structure of an assertion
// submission.
func DecodeAssertionPayload(raw []byte) (*AssertionPayload, error) {
	if len(raw) == 0 || len(raw) > MaxPayloadSize {
		return nil, errors.Wrap(ErrMalformed, "payload size out of bounds")
	}
	var env assertionEnvelope
	if err := cbor.Unmarshal(raw, &env); err != nil {
		return nil, errors.Wrap(ErrMalformed, "assertion envelope is not valid cbor")
	}
	if env.RelyingPartyID == "" || len(env.CredentialID) == 0 || len(env.ClientDataJSON) == 0 ||
		len(env.AuthData) == 0 || len(env.Signature) == 0 {
		return nil, errors.Wrap(ErrMalformed, "assertion envelope is missing required fields")
	}

	p := &AssertionPayload{
		RelyingPartyID: env.RelyingPartyID,
		CredentialID:   env.CredentialID,
		ClientDataJSON: env.ClientDataJSON,
		RawAuthData:    env.AuthData,
		Signature:      env.Signature,
	}
	if err := UnmarshalAuthenticatorData(env.AuthData, &p.AuthData); err != nil {
		return nil, err
	}
	clientData, err := ParseClientData(env.ClientDataJSON)
	if err != nil {
		return nil, err
	}
	if clientData.Type != ClientDataTypeGet {
		return nil, errors.Wrapf(ErrMalformed, "unexpected client data type %q", clientData.Type)
	}
	p.ClientData = clientData
	return p, nil
}
