// Package secret provides access to the secure local secret facility: a
// platform service that protects small blobs with key material that never
// leaves the local machine.
package secret

import (
	crand "crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/creachadair/mds/mbits"
	"github.com/creachadair/sealbox/envelope"
	"github.com/creachadair/sealbox/errkind"
	"github.com/zalando/go-keyring"
)

// A Facility encrypts and decrypts small secret blobs using key material
// protected by the platform.
type Facility interface {
	// Available reports whether the facility can currently be used.
	Available() bool

	// Encrypt protects plain and returns an opaque blob.
	Encrypt(plain []byte) ([]byte, error)

	// Decrypt recovers the plaintext of a blob returned by Encrypt.
	Decrypt(blob []byte) ([]byte, error)
}

// DefaultService is the OS keyring service name used by Keychain when its
// Service field is empty.
const DefaultService = "sealbox"

// Keychain is a Facility backed by the OS keyring (macOS Keychain, the
// freedesktop Secret Service, or Windows Credential Manager).
//
// A random master key is stored in the OS keyring under (Service, User) the
// first time Encrypt is called. Blobs are sealed with that key, so they can
// only be opened while the keyring entry exists.
type Keychain struct {
	Service string // keyring service name; if "", DefaultService is used
	User    string // keyring account name, typically the installation directory
}

func (k Keychain) service() string {
	if k.Service == "" {
		return DefaultService
	}
	return k.Service
}

// Available implements part of Facility. It reports true if the keyring can
// be queried, whether or not a master key has been created yet.
func (k Keychain) Available() bool {
	_, err := keyring.Get(k.service(), k.User)
	return err == nil || errors.Is(err, keyring.ErrNotFound)
}

// Encrypt implements part of Facility.
func (k Keychain) Encrypt(plain []byte) ([]byte, error) {
	mk, err := k.masterKey(true)
	if err != nil {
		return nil, err
	}
	defer mbits.Zero(mk)
	s, err := envelope.Seal(mk, plain)
	if err != nil {
		return nil, err
	}
	return s.Pack(), nil
}

// Decrypt implements part of Facility. If the master key is missing from the
// OS keyring, or blob was not sealed with it, Decrypt reports an error of
// kind SecureFacilityUnavailable.
func (k Keychain) Decrypt(blob []byte) ([]byte, error) {
	mk, err := k.masterKey(false)
	if err != nil {
		return nil, err
	}
	defer mbits.Zero(mk)
	s, err := envelope.Unpack(blob)
	if err != nil {
		return nil, errkind.Wrap(errkind.SecureFacilityUnavailable, err)
	}
	plain, err := envelope.Open(mk, s)
	if err != nil {
		return nil, errkind.Wrap(errkind.SecureFacilityUnavailable, err)
	}
	return plain, nil
}

// Forget deletes the master key from the OS keyring. Blobs sealed before
// Forget can no longer be decrypted. It is not an error if no key exists.
func (k Keychain) Forget() error {
	err := keyring.Delete(k.service(), k.User)
	if err == nil || errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return errkind.Wrap(errkind.SecureFacilityUnavailable, err)
}

// masterKey fetches the master key from the OS keyring. If create is true and
// no key exists, a new one is generated and stored.
func (k Keychain) masterKey(create bool) ([]byte, error) {
	enc, err := keyring.Get(k.service(), k.User)
	if errors.Is(err, keyring.ErrNotFound) && create {
		mk := make([]byte, envelope.KeyLen)
		if _, err := crand.Read(mk); err != nil {
			return nil, fmt.Errorf("generate master key: %w", err)
		}
		if err := keyring.Set(k.service(), k.User, base64.StdEncoding.EncodeToString(mk)); err != nil {
			return nil, errkind.Wrap(errkind.SecureFacilityUnavailable, err)
		}
		return mk, nil
	} else if err != nil {
		return nil, errkind.Wrap(errkind.SecureFacilityUnavailable, err)
	}
	mk, err := base64.StdEncoding.DecodeString(enc)
	if err != nil || len(mk) != envelope.KeyLen {
		return nil, errkind.New(errkind.SecureFacilityUnavailable, "invalid master key in OS keyring")
	}
	return mk, nil
}
