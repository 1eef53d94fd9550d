package types

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/curve25519"
)

const KeySize = 32

var ErrInvalidKey = errors.New("invalid wireguard key")

type NoCompare [0]func()

// PublicKey is a WireGuard public key. It marshals to the base64 form used by
// the wg tool.
type PublicKey struct {
	k [KeySize]byte
}

type PrivateKey struct {
	_ NoCompare
	k [KeySize]byte
}

func NewPrivateKey() PrivateKey {
	k := [KeySize]byte{}
	if _, err := io.ReadFull(rand.Reader, k[:]); err != nil {
		panic("error generating random bytes for private key: " + err.Error())
	}

	// clamp
	k[0] &= 248
	k[31] = (k[31] & 127) | 64
	return PrivateKey{k: k}
}

// ReadPrivateKeyFile reads a base64 private key in the format written by
// `wg genkey`.
func ReadPrivateKeyFile(path string) (PrivateKey, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return PrivateKey{}, err
	}
	var k PrivateKey
	if err := k.UnmarshalText(bytes.TrimSpace(b)); err != nil {
		return PrivateKey{}, fmt.Errorf("%s: %w", path, err)
	}
	return k, nil
}

func (k PrivateKey) Public() PublicKey {
	pub := PublicKey{}
	out, err := curve25519.X25519(k.k[:], curve25519.Basepoint)
	if err != nil {
		// only fails for low order points, which a clamped scalar never produces
		panic("error deriving public key: " + err.Error())
	}
	copy(pub.k[:], out)
	return pub
}

func (k PrivateKey) IsZero() bool {
	return k.k == [KeySize]byte{}
}

func (k PrivateKey) MarshalText() ([]byte, error) {
	return encodeKey(k.k), nil
}

func (k *PrivateKey) UnmarshalText(text []byte) error {
	return decodeKey(&k.k, text)
}

func (k PublicKey) MarshalText() ([]byte, error) {
	return encodeKey(k.k), nil
}

func (k *PublicKey) UnmarshalText(text []byte) error {
	return decodeKey(&k.k, text)
}

func (k PublicKey) String() string {
	return base64.StdEncoding.EncodeToString(k.k[:])
}

func (k PublicKey) IsZero() bool {
	return k.k == [KeySize]byte{}
}

func (k PublicKey) Raw() []byte {
	return bytes.Clone(k.k[:])
}

func PublicKeyFromRawBytes(raw []byte) PublicKey {
	var key PublicKey
	copy(key.k[:], raw)
	return key
}

func ParsePublicKey(s string) (PublicKey, error) {
	var key PublicKey
	err := key.UnmarshalText([]byte(strings.TrimSpace(s)))
	return key, err
}

func encodeKey(k [KeySize]byte) []byte {
	b := make([]byte, base64.StdEncoding.EncodedLen(len(k)))
	base64.StdEncoding.Encode(b, k[:])
	return b
}

func decodeKey(dst *[KeySize]byte, text []byte) error {
	raw, err := base64.StdEncoding.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidKey, err)
	}
	if len(raw) != KeySize {
		return fmt.Errorf("%w: got %d bytes", ErrInvalidKey, len(raw))
	}
	copy(dst[:], raw)
	return nil
}
