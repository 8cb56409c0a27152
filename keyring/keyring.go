// Package keyring manages the persistent keyring: the on-disk record of the
// wrapped copies of an installation's data-encryption key (DEK).
//
// # Storage Format
//
// On disk, the keyring is a single JSON object in this layout:
//
//	{
//	   "version": 1,
//	   "passwordWrap": {
//	      "salt": "<base64>", "nonce": "<base64>",
//	      "ciphertext": "<base64>", "authTag": "<base64>",
//	      "kdf": {"name": "scrypt", "N": 16384, "r": 8, "p": 1, "dkLen": 32}
//	   },
//	   "federatedWrap": {
//	      "subjectId": "<provider subject>",
//	      "wrappedIntermediateKey": "<base64>",
//	      "nonce": "<base64>", "ciphertext": "<base64>", "authTag": "<base64>"
//	   }
//	}
//
// Both wraps are optional in the encoding, but a keyring with a federated
// wrap and no password wrap is invalid.
//
// The password wrap is the DEK encrypted with a key derived from the user's
// password via scrypt, with the parameters recorded in the wrap.
//
// The federated wrap is the DEK encrypted with a random intermediate key,
// which is itself protected by the secure local secret facility. The
// subjectId records the identity provider account the wrap was linked to.
package keyring

import (
	crand "crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/creachadair/atomicfile"
	"github.com/creachadair/mds/mbits"
	"github.com/creachadair/sealbox/envelope"
	"github.com/creachadair/sealbox/errkind"
	"github.com/creachadair/sealbox/secret"
)

// Version is the keyring format version supported by this package.
const Version = 1

// DEKLen is the length in bytes of a data-encryption key.
const DEKLen = envelope.KeyLen

// saltLen is the length in bytes of a password wrap KDF salt.
const saltLen = 16

// A Keyring is the persistent set of wrapped copies of a single DEK.
type Keyring struct {
	Version       int            `json:"version"`
	PasswordWrap  *PasswordWrap  `json:"passwordWrap,omitempty"`
	FederatedWrap *FederatedWrap `json:"federatedWrap,omitempty"`
}

// New constructs a current-version keyring from the given wraps. Either may
// be nil.
func New(pw *PasswordWrap, fw *FederatedWrap) *Keyring {
	return &Keyring{Version: Version, PasswordWrap: pw, FederatedWrap: fw}
}

// Validate reports an error if k violates the keyring invariants.
func (k *Keyring) Validate() error {
	if k.Version != Version {
		return errkind.New(errkind.UnsupportedVersion, fmt.Sprintf("keyring version %d", k.Version))
	}
	if k.FederatedWrap != nil && k.PasswordWrap == nil {
		return errors.New("keyring has a federated wrap but no password wrap")
	}
	return nil
}

// PasswordWrap is a copy of the DEK encrypted under a password-derived key.
type PasswordWrap struct {
	Salt       []byte          `json:"salt"`
	Nonce      []byte          `json:"nonce"`
	Ciphertext []byte          `json:"ciphertext"`
	AuthTag    []byte          `json:"authTag"`
	KDF        envelope.Params `json:"kdf"`
}

// FederatedWrap is a copy of the DEK encrypted under an intermediate key
// protected by the secure local secret facility, bound to a provider subject.
type FederatedWrap struct {
	SubjectID              string `json:"subjectId"`
	WrappedIntermediateKey []byte `json:"wrappedIntermediateKey"`
	Nonce                  []byte `json:"nonce"`
	Ciphertext             []byte `json:"ciphertext"`
	AuthTag                []byte `json:"authTag"`
}

// NewDEK generates a new random data-encryption key.
func NewDEK() ([]byte, error) {
	dek := make([]byte, DEKLen)
	if _, err := crand.Read(dek); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return dek, nil
}

// WrapWithPassword encrypts dek under a key derived from password, using
// envelope.DefaultParams and a fresh random salt.
func WrapWithPassword(dek []byte, password string) (*PasswordWrap, error) {
	return wrapWithPasswordParams(dek, password, envelope.DefaultParams)
}

func wrapWithPasswordParams(dek []byte, password string, p envelope.Params) (*PasswordWrap, error) {
	salt := make([]byte, saltLen)
	if _, err := crand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	key, err := envelope.DeriveKey(password, salt, p)
	if err != nil {
		return nil, err
	}
	defer mbits.Zero(key)
	s, err := envelope.Seal(key, dek)
	if err != nil {
		return nil, fmt.Errorf("wrap key: %w", err)
	}
	return &PasswordWrap{
		Salt:       salt,
		Nonce:      s.Nonce,
		Ciphertext: s.Ciphertext,
		AuthTag:    s.Tag,
		KDF:        p,
	}, nil
}

// UnwrapWithPassword recovers the DEK from w using password. The KDF
// parameters recorded in w are used, not the current defaults. If password
// is not the one w was wrapped with, UnwrapWithPassword reports an error of
// kind AuthenticationFailed.
func UnwrapWithPassword(w *PasswordWrap, password string) ([]byte, error) {
	key, err := envelope.DeriveKey(password, w.Salt, w.KDF)
	if err != nil {
		return nil, err
	}
	defer mbits.Zero(key)
	return envelope.Open(key, envelope.Sealed{
		Nonce:      w.Nonce,
		Ciphertext: w.Ciphertext,
		Tag:        w.AuthTag,
	})
}

// WrapWithFederatedIdentity encrypts dek under a fresh intermediate key and
// protects that key with f. If f is not available, it reports an error of
// kind SecureFacilityUnavailable.
func WrapWithFederatedIdentity(f secret.Facility, dek []byte, subjectID string) (*FederatedWrap, error) {
	if subjectID == "" {
		return nil, errors.New("empty subject ID")
	}
	if !f.Available() {
		return nil, errkind.SecureFacilityUnavailable
	}
	ikey := make([]byte, envelope.KeyLen)
	if _, err := crand.Read(ikey); err != nil {
		return nil, fmt.Errorf("generate intermediate key: %w", err)
	}
	defer mbits.Zero(ikey)

	wkey, err := f.Encrypt(ikey)
	if err != nil {
		return nil, errkind.Wrap(errkind.SecureFacilityUnavailable, err)
	}
	s, err := envelope.Seal(ikey, dek)
	if err != nil {
		return nil, fmt.Errorf("wrap key: %w", err)
	}
	return &FederatedWrap{
		SubjectID:              subjectID,
		WrappedIntermediateKey: wkey,
		Nonce:                  s.Nonce,
		Ciphertext:             s.Ciphertext,
		AuthTag:                s.Tag,
	}, nil
}

// UnwrapWithFederatedIdentity recovers the DEK from w, using f to recover the
// intermediate key. It does not check the subject; that is the caller's
// responsibility.
func UnwrapWithFederatedIdentity(f secret.Facility, w *FederatedWrap) ([]byte, error) {
	if !f.Available() {
		return nil, errkind.SecureFacilityUnavailable
	}
	ikey, err := f.Decrypt(w.WrappedIntermediateKey)
	if err != nil {
		return nil, errkind.Wrap(errkind.SecureFacilityUnavailable, err)
	}
	defer mbits.Zero(ikey)
	return envelope.Open(ikey, envelope.Sealed{
		Nonce:      w.Nonce,
		Ciphertext: w.Ciphertext,
		Tag:        w.AuthTag,
	})
}

// Load reads the keyring stored at path. If no keyring exists, Load returns
// (nil, nil). If the stored version is not Version, Load reports an error of
// kind UnsupportedVersion.
func Load(path string) (*Keyring, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("read keyring: %w", err)
	}

	// Check the version before decoding the rest, so that a keyring written
	// by a newer format is not interpreted under the current one.
	var hdr struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(data, &hdr); err != nil {
		return nil, fmt.Errorf("decode keyring: %w", err)
	} else if hdr.Version != Version {
		return nil, errkind.New(errkind.UnsupportedVersion, fmt.Sprintf("keyring version %d", hdr.Version))
	}

	var k Keyring
	if err := json.Unmarshal(data, &k); err != nil {
		return nil, fmt.Errorf("decode keyring: %w", err)
	}
	if err := k.Validate(); err != nil {
		return nil, fmt.Errorf("invalid keyring: %w", err)
	}
	return &k, nil
}

// Save writes k to path, replacing any existing keyring. The file is written
// in full to a temporary and renamed into place, so a failure cannot leave a
// partial keyring behind.
func Save(path string, k *Keyring) error {
	if err := k.Validate(); err != nil {
		return fmt.Errorf("invalid keyring: %w", err)
	}
	data, err := json.MarshalIndent(k, "", "  ")
	if err != nil {
		return fmt.Errorf("encode keyring: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create keyring directory: %w", err)
	}
	return atomicfile.Tx(path, 0600, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// Clear removes the keyring at path. It is not an error if none exists.
func Clear(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove keyring: %w", err)
	}
	return nil
}
