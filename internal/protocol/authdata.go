package protocol

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"

	"github.com/pkg/errors"
)

// Flag bits carried in the authenticator data.
// https://www.w3.org/TR/webauthn-3/#authdata-flags
const (
	FlagUserPresent            = byte(1)
	FlagUserVerified           = byte(1 << 2)
	FlagAttestedCredentialData = byte(1 << 6)
	FlagExtensionData          = byte(1 << 7)
)

// Flags represents the authenticator data flag byte.
type Flags byte

func (f Flags) UserPresent() bool  { return byte(f)&FlagUserPresent != 0 }
func (f Flags) UserVerified() bool { return byte(f)&FlagUserVerified != 0 }

// AttestedCredentialData reports whether the payload carries a new credential.
func (f Flags) AttestedCredentialData() bool { return byte(f)&FlagAttestedCredentialData != 0 }

// ExtensionData reports whether extension bytes follow the credential data.
func (f Flags) ExtensionData() bool { return byte(f)&FlagExtensionData != 0 }

// AuthenticatorData is the fixed-layout structure every authenticator signs:
// a 32-byte relying-party id hash, one flag byte, a big-endian uint32 sign
// counter, and, during registration, the attested credential data.
// https://www.w3.org/TR/webauthn-3/#sctn-authenticator-data
type AuthenticatorData struct {
	RPIDHash  [32]byte
	Flags     Flags
	SignCount uint32
	Attested  *AttestedCredential
}

// AttestedCredential is the credential material embedded in a registration.
type AttestedCredential struct {
	AAGUID       [16]byte
	CredentialID []byte
	PublicKey    PublicKey
}

const (
	authDataBaseLen     = 32 + 1 + 4
	attestedHeaderLen   = 16 + 2
	maxCredentialIDSize = 1023
)

// RPIDHash returns the SHA-256 binding of a relying-party domain, the value
// every authenticator embeds in its signed data.
func RPIDHash(rpID string) [32]byte {
	return sha256.Sum256([]byte(rpID))
}

// UnmarshalAuthenticatorData parses src into dst. The input is untrusted:
// every length is checked before the cursor moves and a failure leaves dst
// unspecified but causes no other effect.
func UnmarshalAuthenticatorData(src []byte, dst *AuthenticatorData) error {
	if len(src) < authDataBaseLen {
		return errors.Wrap(ErrMalformed, "authenticator data truncated")
	}
	copy(dst.RPIDHash[:], src[:32])
	dst.Flags = Flags(src[32])
	dst.SignCount = binary.BigEndian.Uint32(src[33:37])
	rest := src[authDataBaseLen:]

	dst.Attested = nil
	if dst.Flags.AttestedCredentialData() {
		attested, remainder, err := unmarshalAttestedCredential(rest)
		if err != nil {
			return err
		}
		dst.Attested = attested
		rest = remainder
	}

	if len(rest) > 0 && !dst.Flags.ExtensionData() {
		return errors.Wrap(ErrMalformed, "trailing bytes after authenticator data")
	}
	return nil
}

func unmarshalAttestedCredential(src []byte) (*AttestedCredential, []byte, error) {
	if len(src) < attestedHeaderLen {
		return nil, nil, errors.Wrap(ErrMalformed, "attested credential data truncated")
	}
	var ac AttestedCredential
	copy(ac.AAGUID[:], src[:16])

	credLen := int(binary.BigEndian.Uint16(src[16:18]))
	if credLen == 0 || credLen > maxCredentialIDSize {
		return nil, nil, errors.Wrapf(ErrMalformed, "credential id length %d out of range", credLen)
	}
	if len(src) < attestedHeaderLen+credLen {
		return nil, nil, errors.Wrap(ErrMalformed, "credential id truncated")
	}
	ac.CredentialID = append([]byte(nil), src[attestedHeaderLen:attestedHeaderLen+credLen]...)

	rest, err := unmarshalCOSEKey(src[attestedHeaderLen+credLen:], &ac.PublicKey)
	if err != nil {
		return nil, nil, err
	}
	return &ac, rest, nil
}

// MarshalAuthenticatorData is the encoding counterpart used by the software
// authenticator and by tests that need byte-exact signed payloads.
func (ad *AuthenticatorData) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(ad.RPIDHash[:])
	buf.WriteByte(byte(ad.Flags))
	var count [4]byte
	binary.BigEndian.PutUint32(count[:], ad.SignCount)
	buf.Write(count[:])

	if ad.Attested != nil {
		if !ad.Flags.AttestedCredentialData() {
			return nil, errors.New("attested credential present without AT flag")
		}
		if len(ad.Attested.CredentialID) == 0 || len(ad.Attested.CredentialID) > maxCredentialIDSize {
			return nil, errors.New("credential id length out of range")
		}
		buf.Write(ad.Attested.AAGUID[:])
		var credLen [2]byte
		binary.BigEndian.PutUint16(credLen[:], uint16(len(ad.Attested.CredentialID)))
		buf.Write(credLen[:])
		buf.Write(ad.Attested.CredentialID)
		keyBytes, err := marshalCOSEKey(&ad.Attested.PublicKey)
		if err != nil {
			return nil, err
		}
		buf.Write(keyBytes)
	} else if ad.Flags.AttestedCredentialData() {
		return nil, errors.New("AT flag set without attested credential")
	}

	return buf.Bytes(), nil
}
