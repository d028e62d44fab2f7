package protocol

import (
	"crypto/sha256"
	"encoding/binary"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestRegistrationPayloadRoundTrip(t *testing.T) {
	auth, err := NewAuthenticator("login.example.com", AlgES256)
	require.NoError(t, err)

	nonce := []byte("0123456789abcdef")
	raw, err := auth.RegistrationPayload(nonce, "https://login.example.com")
	require.NoError(t, err)

	p, err := DecodeRegistrationPayload(raw)
	require.NoError(t, err)
	require.Equal(t, "login.example.com", p.RelyingPartyID)
	require.Equal(t, auth.CredentialID, p.CredentialID())
	require.Equal(t, AlgES256, p.PublicKey().Algorithm)
	require.NotNil(t, p.PublicKey().ECDSA)
	require.True(t, p.AuthData.Flags.AttestedCredentialData())
	require.True(t, p.ClientData.ChallengeEqual(nonce))
	require.Equal(t, RPIDHash("login.example.com"), p.AuthData.RPIDHash)
}

func TestRegistrationPayloadRS256(t *testing.T) {
	auth, err := NewAuthenticator("login.example.com", AlgRS256)
	require.NoError(t, err)

	raw, err := auth.RegistrationPayload([]byte("0123456789abcdef"), "https://login.example.com")
	require.NoError(t, err)

	p, err := DecodeRegistrationPayload(raw)
	require.NoError(t, err)
	require.Equal(t, AlgRS256, p.PublicKey().Algorithm)
	require.NotNil(t, p.PublicKey().RSA)
}

func TestAssertionPayloadSignatureVerifies(t *testing.T) {
	for _, alg := range []Algorithm{AlgES256, AlgRS256} {
		t.Run(alg.String(), func(t *testing.T) {
			auth, err := NewAuthenticator("login.example.com", alg)
			require.NoError(t, err)

			nonce := []byte("fedcba9876543210")
			raw, err := auth.AssertionPayload(nonce, "https://login.example.com", 7)
			require.NoError(t, err)

			p, err := DecodeAssertionPayload(raw)
			require.NoError(t, err)
			require.Equal(t, auth.CredentialID, p.CredentialID)
			require.Equal(t, uint32(7), p.AuthData.SignCount)
			require.True(t, p.ClientData.ChallengeEqual(nonce))

			clientDataHash := sha256.Sum256(p.ClientDataJSON)
			message := append(append([]byte(nil), p.RawAuthData...), clientDataHash[:]...)
			pub := auth.PublicKey()
			require.NoError(t, pub.Verify(message, p.Signature))

			// One flipped bit must fail verification.
			tampered := append([]byte(nil), p.Signature...)
			tampered[len(tampered)/2] ^= 0x01
			require.Error(t, pub.Verify(message, tampered))
		})
	}
}

func TestDecodeTruncatedAuthenticatorData(t *testing.T) {
	auth, err := NewAuthenticator("login.example.com", AlgES256)
	require.NoError(t, err)

	raw, err := auth.RegistrationPayload([]byte("0123456789abcdef"), "https://login.example.com")
	require.NoError(t, err)

	var env registrationEnvelope
	require.NoError(t, cbor.Unmarshal(raw, &env))

	for _, cut := range []int{5, 33, 40, len(env.AuthData) - 10} {
		env.AuthData = env.AuthData[:cut]
		short, err := cbor.Marshal(env)
		require.NoError(t, err)

		_, err = DecodeRegistrationPayload(short)
		require.Error(t, err)
		require.True(t, errors.Is(err, ErrMalformed), "cut=%d: %v", cut, err)

		require.NoError(t, cbor.Unmarshal(raw, &env))
	}
}

func TestDecodeRejectsUnsupportedAlgorithm(t *testing.T) {
	// EdDSA (-8) is outside the closed algorithm set and must fail decode.
	key, err := cbor.Marshal(map[int]any{1: 1, 3: -8, -1: 6, -2: make([]byte, 32)})
	require.NoError(t, err)

	credID := []byte("credential-id-bytes")
	authData := make([]byte, 0, 128)
	authData = append(authData, make([]byte, 32)...)
	authData = append(authData, FlagUserPresent|FlagAttestedCredentialData)
	authData = binary.BigEndian.AppendUint32(authData, 0)
	authData = append(authData, make([]byte, 16)...)
	authData = binary.BigEndian.AppendUint16(authData, uint16(len(credID)))
	authData = append(authData, credID...)
	authData = append(authData, key...)

	clientDataJSON, err := MarshalClientData(ClientDataTypeCreate, []byte("0123456789abcdef"), "https://login.example.com")
	require.NoError(t, err)

	raw, err := cbor.Marshal(registrationEnvelope{
		RelyingPartyID: "login.example.com",
		ClientDataJSON: clientDataJSON,
		AuthData:       authData,
	})
	require.NoError(t, err)

	_, err = DecodeRegistrationPayload(raw)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrMalformed))
}

func TestDecodeRejectsGarbage(t *testing.T) {
	for name, raw := range map[string][]byte{
		"empty":     nil,
		"not cbor":  []byte("definitely not cbor"),
		"oversized": make([]byte, MaxPayloadSize+1),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeRegistrationPayload(raw)
			require.True(t, errors.Is(err, ErrMalformed))
			_, err = DecodeAssertionPayload(raw)
			require.True(t, errors.Is(err, ErrMalformed))
		})
	}
}

func TestParseClientData(t *testing.T) {
	_, err := ParseClientData([]byte(`{"type":"webauthn.get","challenge":"!!!","origin":"x"}`))
	require.True(t, errors.Is(err, ErrMalformed))

	raw, err := MarshalClientData(ClientDataTypeGet, []byte{1, 2, 3, 4}, "https://login.example.com")
	require.NoError(t, err)
	cd, err := ParseClientData(raw)
	require.NoError(t, err)
	require.Equal(t, ClientDataTypeGet, cd.Type)
	require.True(t, cd.ChallengeEqual([]byte{1, 2, 3, 4}))
	require.False(t, cd.ChallengeEqual([]byte{1, 2, 3, 5}))
}
