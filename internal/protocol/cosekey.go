package protocol

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
	"math/big"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
)

// Algorithm identifies the signature scheme of a credential public key using
// COSE algorithm identifiers.
// https://www.iana.org/assignments/cose/cose.xhtml#algorithms
type Algorithm int

// The closed set of algorithms this engine accepts. Anything else fails
// decode rather than defaulting to an assumption.
const (
	AlgES256 Algorithm = -7   // ECDSA P-256 with SHA-256
	AlgRS256 Algorithm = -257 // RSASSA-PKCS1-v1_5 with SHA-256
)

func (a Algorithm) String() string {
	switch a {
	case AlgES256:
		return "ES256"
	case AlgRS256:
		return "RS256"
	}
	return fmt.Sprintf("Algorithm(%d)", int(a))
}

// COSE key type registry values.
const (
	coseKtyEC2 = 2
	coseKtyRSA = 3

	coseCrvP256 = 1
)

// PublicKey is a tagged variant over the supported key families. Exactly one
// of ECDSA and RSA is set, matching Algorithm.
type PublicKey struct {
	Algorithm Algorithm
	ECDSA     *ecdsa.PublicKey
	RSA       *rsa.PublicKey
}

// Verify checks sig over message with the credential's algorithm. The message
// is the raw signed byte sequence; hashing is applied per algorithm here.
func (k *PublicKey) Verify(message, sig []byte) error {
	digest := sha256.Sum256(message)
	switch k.Algorithm {
	case AlgES256:
		if k.ECDSA == nil {
			return errors.New("ES256 key material missing")
		}
		if !ecdsa.VerifyASN1(k.ECDSA, digest[:], sig) {
			return errors.New("invalid ES256 signature")
		}
	case AlgRS256:
		if k.RSA == nil {
			return errors.New("RS256 key material missing")
		}
		if err := rsa.VerifyPKCS1v15(k.RSA, crypto.SHA256, digest[:], sig); err != nil {
			return errors.Wrap(err, "invalid RS256 signature")
		}
	default:
		return errors.Errorf("unsupported algorithm: %s", k.Algorithm)
	}
	return nil
}

// ParsePublicKey decodes a stored COSE key. Trailing bytes are rejected:
// stored key material is exactly one CBOR item.
func ParsePublicKey(raw []byte) (*PublicKey, error) {
	var key PublicKey
	rest, err := unmarshalCOSEKey(raw, &key)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, errors.Wrap(ErrMalformed, "trailing bytes after cose key")
	}
	return &key, nil
}

// MarshalCOSE encodes the key for storage.
func (k *PublicKey) MarshalCOSE() ([]byte, error) {
	return marshalCOSEKey(k)
}

type coseKeyHeader struct {
	Kty int `cbor:"1,keyasint"`
	Alg int `cbor:"3,keyasint"`
}

type coseEC2Key struct {
	Kty int    `cbor:"1,keyasint"`
	Alg int    `cbor:"3,keyasint"`
	Crv int    `cbor:"-1,keyasint"`
	X   []byte `cbor:"-2,keyasint"`
	Y   []byte `cbor:"-3,keyasint"`
}

type coseRSAKey struct {
	Kty int    `cbor:"1,keyasint"`
	Alg int    `cbor:"3,keyasint"`
	N   []byte `cbor:"-1,keyasint"`
	E   []byte `cbor:"-2,keyasint"`
}

// unmarshalCOSEKey decodes one CBOR COSE key from the front of src and
// returns the unread remainder.
func unmarshalCOSEKey(src []byte, dst *PublicKey) (rest []byte, err error) {
	dec := cbor.NewDecoder(bytes.NewReader(src))
	var raw cbor.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return nil, errors.Wrap(ErrMalformed, "credential public key is not valid cbor")
	}
	rest = src[dec.NumBytesRead():]

	var header coseKeyHeader
	if err := cbor.Unmarshal(raw, &header); err != nil {
		return nil, errors.Wrap(ErrMalformed, "credential public key is not a cose key")
	}

	switch {
	case header.Kty == coseKtyEC2 && Algorithm(header.Alg) == AlgES256:
		var key coseEC2Key
		if err := cbor.Unmarshal(raw, &key); err != nil {
			return nil, errors.Wrap(ErrMalformed, "malformed EC2 cose key")
		}
		if key.Crv != coseCrvP256 {
			return nil, errors.Wrapf(ErrMalformed, "unsupported EC2 curve %d", key.Crv)
		}
		if len(key.X) != 32 || len(key.Y) != 32 {
			return nil, errors.Wrap(ErrMalformed, "EC2 coordinates must be 32 bytes")
		}
		pub := &ecdsa.PublicKey{
			Curve: elliptic.P256(),
			X:     new(big.Int).SetBytes(key.X),
			Y:     new(big.Int).SetBytes(key.Y),
		}
		dst.Algorithm = AlgES256
		dst.ECDSA = pub
		dst.RSA = nil
	case header.Kty == coseKtyRSA && Algorithm(header.Alg) == AlgRS256:
		var key coseRSAKey
		if err := cbor.Unmarshal(raw, &key); err != nil {
			return nil, errors.Wrap(ErrMalformed, "malformed RSA cose key")
		}
		if len(key.N) == 0 || len(key.E) == 0 || len(key.E) > 4 {
			return nil, errors.Wrap(ErrMalformed, "malformed RSA key parameters")
		}
		e := 0
		for _, b := range key.E {
			e = e<<8 | int(b)
		}
		if e <= 1 {
			return nil, errors.Wrap(ErrMalformed, "invalid RSA public exponent")
		}
		dst.Algorithm = AlgRS256
		dst.RSA = &rsa.PublicKey{N: new(big.Int).SetBytes(key.N), E: e}
		dst.ECDSA = nil
	default:
		return nil, errors.Wrapf(ErrMalformed, "unsupported key type %d / algorithm %d", header.Kty, header.Alg)
	}
	return rest, nil
}

func marshalCOSEKey(key *PublicKey) ([]byte, error) {
	switch key.Algorithm {
	case AlgES256:
		if key.ECDSA == nil {
			return nil, errors.New("ES256 key material missing")
		}
		return cbor.Marshal(coseEC2Key{
			Kty: coseKtyEC2,
			Alg: int(AlgES256),
			Crv: coseCrvP256,
			X:   leftPad(key.ECDSA.X.Bytes(), 32),
			Y:   leftPad(key.ECDSA.Y.Bytes(), 32),
		})
	case AlgRS256:
		if key.RSA == nil {
			return nil, errors.New("RS256 key material missing")
		}
		e := key.RSA.E
		var eb []byte
		for e > 0 {
			eb = append([]byte{byte(e & 0xff)}, eb...)
			e >>= 8
		}
		return cbor.Marshal(coseRSAKey{
			Kty: coseKtyRSA,
			Alg: int(AlgRS256),
			N:   key.RSA.N.Bytes(),
			E:   eb,
		})
	}
	return nil, errors.Errorf("unsupported algorithm: %s", key.Algorithm)
}

func leftPad(b []byte, size int) []byte {
	if len(b) >= size {
		return b
	}
	out := make([]byte, size)
	copy(out[size-len(b):], b)
	return out
}
