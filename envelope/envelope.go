// Package envelope implements the primitives used to wrap and unwrap raw key
// material: a memory-hard password-based key derivation, and an AEAD
// construction over chacha20poly1305.
//
// Sealed values keep the nonce, ciphertext, and authentication tag as
// separate fields so that they can be stored in the keyring as distinct
// values.
package envelope

import (
	crand "crypto/rand"
	"fmt"

	"github.com/creachadair/sealbox/errkind"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

// KeyLen is the required length in bytes of an encryption key.
const KeyLen = chacha20poly1305.KeySize // 32 bytes

// NonceLen is the length in bytes of a sealing nonce.
const NonceLen = chacha20poly1305.NonceSize // 12 bytes

// TagLen is the length in bytes of an authentication tag.
const TagLen = chacha20poly1305.Overhead // 16 bytes

// KDFName is the name of the only key derivation function supported.
const KDFName = "scrypt"

// Params are the cost parameters of a password-based key derivation. They
// are stored alongside every password wrap, so that changing DefaultParams
// does not invalidate existing wraps.
type Params struct {
	Name  string `json:"name"`  // currently always KDFName
	N     int    `json:"N"`     // CPU/memory cost, a power of 2 > 1
	R     int    `json:"r"`     // block size
	P     int    `json:"p"`     // parallelism
	DKLen int    `json:"dkLen"` // derived key length in bytes
}

// DefaultParams are the parameters used for new password wraps.
var DefaultParams = Params{
	Name:  KDFName,
	N:     1 << 14,
	R:     8,
	P:     1,
	DKLen: KeyLen,
}

// Check reports an error of kind UnsupportedVersion if p is not a parameter
// set this package can use to derive an encryption key.
func (p Params) Check() error {
	switch {
	case p.Name != KDFName:
		return errkind.New(errkind.UnsupportedVersion, fmt.Sprintf("key derivation %q", p.Name))
	case p.DKLen != KeyLen:
		return errkind.New(errkind.UnsupportedVersion, fmt.Sprintf("derived key length %d", p.DKLen))
	case p.N <= 1 || p.N&(p.N-1) != 0:
		return errkind.New(errkind.UnsupportedVersion, fmt.Sprintf("scrypt cost N=%d", p.N))
	case p.R <= 0 || p.P <= 0:
		return errkind.New(errkind.UnsupportedVersion, fmt.Sprintf("scrypt r=%d p=%d", p.R, p.P))
	}
	return nil
}

// DeriveKey derives an encryption key from password and salt using the
// specified parameters.
func DeriveKey(password string, salt []byte, p Params) ([]byte, error) {
	if err := p.Check(); err != nil {
		return nil, err
	}
	key, err := scrypt.Key([]byte(password), salt, p.N, p.R, p.P, p.DKLen)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// Sealed is the output of Seal.
type Sealed struct {
	Nonce      []byte
	Ciphertext []byte
	Tag        []byte
}

// Seal encrypts plaintext with key, using a freshly-generated random nonce.
func Seal(key, plaintext []byte) (Sealed, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return Sealed{}, fmt.Errorf("initialize encryption key: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := crand.Read(nonce); err != nil {
		return Sealed{}, fmt.Errorf("generate nonce: %w", err)
	}
	out := aead.Seal(nil, nonce, plaintext, nil)
	cut := len(out) - aead.Overhead()
	return Sealed{
		Nonce:      nonce,
		Ciphertext: out[:cut:cut],
		Tag:        out[cut:],
	}, nil
}

// Open decrypts and authenticates s with key. If key is not the key that
// sealed s, or any part of s has been modified, Open reports an error of kind
// AuthenticationFailed and returns no plaintext.
func Open(key []byte, s Sealed) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, errkind.Wrap(errkind.AuthenticationFailed, err)
	}
	if len(s.Nonce) != aead.NonceSize() {
		return nil, errkind.New(errkind.AuthenticationFailed, "malformed nonce")
	} else if len(s.Tag) != aead.Overhead() {
		return nil, errkind.New(errkind.AuthenticationFailed, "malformed tag")
	}
	buf := make([]byte, 0, len(s.Ciphertext)+len(s.Tag))
	buf = append(append(buf, s.Ciphertext...), s.Tag...)
	plain, err := aead.Open(nil, s.Nonce, buf, nil)
	if err != nil {
		return nil, errkind.AuthenticationFailed
	}
	return plain, nil
}

// Pack encodes s as a single byte string: nonce || ciphertext || tag.
func (s Sealed) Pack() []byte {
	out := make([]byte, 0, len(s.Nonce)+len(s.Ciphertext)+len(s.Tag))
	return append(append(append(out, s.Nonce...), s.Ciphertext...), s.Tag...)
}

// Unpack decodes a byte string produced by Pack. It reports an error of kind
// AuthenticationFailed if data is too short to be a valid sealed value.
func Unpack(data []byte) (Sealed, error) {
	if len(data) < NonceLen+TagLen {
		return Sealed{}, errkind.New(errkind.AuthenticationFailed, "malformed input: short data")
	}
	end := len(data) - TagLen
	return Sealed{
		Nonce:      data[:NonceLen],
		Ciphertext: data[NonceLen:end],
		Tag:        data[end:],
	}, nil
}
