package protocol

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
)

// Authenticator is a software authenticator that produces well-formed
// registration and assertion payloads. Tests and the smoke client use it in
// place of a hardware device; it is never part of the verification path.
type Authenticator struct {
	RelyingPartyID string
	CredentialID   []byte
	AAGUID         [16]byte
	SignCount      uint32

	alg      Algorithm
	ecdsaKey *ecdsa.PrivateKey
	rsaKey   *rsa.PrivateKey
}

// NewAuthenticator generates a fresh credential key pair bound to rpID.
func NewAuthenticator(rpID string, alg Algorithm) (*Authenticator, error) {
	a := &Authenticator{RelyingPartyID: rpID, alg: alg}
	if _, err := rand.Read(a.AAGUID[:]); err != nil {
		return nil, errors.Wrap(err, "generating aaguid")
	}
	a.CredentialID = make([]byte, 32)
	if _, err := rand.Read(a.CredentialID); err != nil {
		return nil, errors.Wrap(err, "generating credential id")
	}

	switch alg {
	case AlgES256:
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, errors.Wrap(err, "generating ES256 key")
		}
		a.ecdsaKey = key
	case AlgRS256:
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, errors.Wrap(err, "generating RS256 key")
		}
		a.rsaKey = key
	default:
		return nil, errors.Errorf("unsupported algorithm: %s", alg)
	}
	return a, nil
}

// PublicKey returns the credential public key in codec form.
func (a *Authenticator) PublicKey() PublicKey {
	switch a.alg {
	case AlgES256:
		return PublicKey{Algorithm: AlgES256, ECDSA: &a.ecdsaKey.PublicKey}
	case AlgRS256:
		return PublicKey{Algorithm: AlgRS256, RSA: &a.rsaKey.PublicKey}
	}
	return PublicKey{}
}

// RegistrationPayload builds a credential creation response bound to the
// issued nonce.
func (a *Authenticator) RegistrationPayload(nonce []byte, origin string) ([]byte, error) {
	clientDataJSON, err := MarshalClientData(ClientDataTypeCreate, nonce, origin)
	if err != nil {
		return nil, err
	}
	authData := AuthenticatorData{
		RPIDHash:  RPIDHash(a.RelyingPartyID),
		Flags:     Flags(FlagUserPresent | FlagUserVerified | FlagAttestedCredentialData),
		SignCount: a.SignCount,
		Attested: &AttestedCredential{
			AAGUID:       a.AAGUID,
			CredentialID: a.CredentialID,
			PublicKey:    a.PublicKey(),
		},
	}
	authDataBytes, err := authData.Marshal()
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(registrationEnvelope{
		RelyingPartyID: a.RelyingPartyID,
		ClientDataJSON: clientDataJSON,
		AuthData:       authDataBytes,
	})
}

// AssertionPayload signs a proof of possession carrying signCount as the
// reported counter.
func (a *Authenticator) AssertionPayload(nonce []byte, origin string, signCount uint32) ([]byte, error) {
	return a.assertionForRP(a.RelyingPartyID, nonce, origin, signCount)
}

// CrossOriginAssertionPayload signs an otherwise valid assertion claiming a
// different relying party. Used to exercise phishing-resistance checks.
func (a *Authenticator) CrossOriginAssertionPayload(rpID string, nonce []byte, origin string, signCount uint32) ([]byte, error) {
	return a.assertionForRP(rpID, nonce, origin, signCount)
}

func (a *Authenticator) assertionForRP(rpID string, nonce []byte, origin string, signCount uint32) ([]byte, error) {
	clientDataJSON, err := MarshalClientData(ClientDataTypeGet, nonce, origin)
	if err != nil {
		return nil, err
	}
	authData := AuthenticatorData{
		RPIDHash:  RPIDHash(rpID),
		Flags:     Flags(FlagUserPresent | FlagUserVerified),
		SignCount: signCount,
	}
	authDataBytes, err := authData.Marshal()
	if err != nil {
		return nil, err
	}

	clientDataHash := sha256.Sum256(clientDataJSON)
	message := append(append([]byte(nil), authDataBytes...), clientDataHash[:]...)
	sig, err := a.sign(message)
	if err != nil {
		return nil, err
	}

	return cbor.Marshal(assertionEnvelope{
		RelyingPartyID: rpID,
		CredentialID:   a.CredentialID,
		ClientDataJSON: clientDataJSON,
		AuthData:       authDataBytes,
		Signature:      sig,
	})
}

func (a *Authenticator) sign(message []byte) ([]byte, error) {
	digest := sha256.Sum256(message)
	switch a.alg {
	case AlgES256:
		return ecdsa.SignASN1(rand.Reader, a.ecdsaKey, digest[:])
	case AlgRS256:
		return rsa.SignPKCS1v15(rand.Reader, a.rsaKey, crypto.SHA256, digest[:])
	}
	return nil, errors.Errorf("unsupported algorithm: %s", a.alg)
}
