// Package session implements the unlock and key-management lifecycle of an
// installation: it holds the data-encryption key (DEK) for the active
// session and keeps the keyring and the encrypted store consistent with it.
//
// A Manager is the only holder of the DEK. All operations that change the
// session or the keyring are serialized, but the manager's lock is never
// held while a federated login waits on the user, so a slow login does not
// block other operations.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/creachadair/atomicfile"
	"github.com/creachadair/mds/mbits"
	"github.com/creachadair/sealbox/critical"
	"github.com/creachadair/sealbox/dbstore"
	"github.com/creachadair/sealbox/errkind"
	"github.com/creachadair/sealbox/fedauth"
	"github.com/creachadair/sealbox/keyring"
	"github.com/creachadair/sealbox/secret"
	"github.com/creachadair/sealbox/wordhash"
)

// An Authenticator runs a federated login. A *fedauth.Config is an
// Authenticator.
type Authenticator interface {
	Login(ctx context.Context) (*fedauth.Result, error)
}

var _ Authenticator = fedauth.Config{}

// Method records how the active session was unlocked.
type Method int

const (
	None      Method = iota // no active session
	Password                // unlocked with the password wrap
	Federated               // unlocked with the federated wrap
)

func (m Method) String() string {
	switch m {
	case None:
		return "none"
	case Password:
		return "password"
	case Federated:
		return "federated"
	default:
		return fmt.Sprintf("Method(%d)", int(m))
	}
}

// Options configure a Manager.
type Options struct {
	// KeyringPath is the location of the keyring file. It is required.
	KeyringPath string

	// Store is the encrypted store unlocked by the session. It is required.
	Store *dbstore.Store

	// Auth runs federated logins. If nil, federated operations fail.
	Auth Authenticator

	// Facility protects the intermediate key of the federated wrap.
	// If nil, federated wraps cannot be created or opened.
	Facility secret.Facility

	// BackupDir is the directory under which Reset creates its backups.
	// It is required for Reset.
	BackupDir string

	// Guard, if non-nil, is waited on by Shutdown before the store is closed.
	// It should be the same guard the store's migrations use.
	Guard *critical.Guard

	// Now reports the current time, for naming backups. If nil, time.Now.
	Now func() time.Time
}

// A Manager owns the session state of one installation.
type Manager struct {
	opts Options

	μ        sync.Mutex
	dek      []byte // nil when no session is active
	method   Method
	identity *fedauth.Identity // set for federated sessions
}

// New constructs a Manager with no active session.
func New(opts Options) *Manager { return &Manager{opts: opts} }

// Store returns the encrypted store managed by m.
func (m *Manager) Store() *dbstore.Store { return m.opts.Store }

// Status describes the persisted keyring of an installation.
type Status struct {
	HasPassword  bool   `json:"hasPassword"`
	HasFederated bool   `json:"hasFederated"`
	Subject      string `json:"subject,omitempty"` // linked subject, if any
}

// Status reports the state of the keyring.
func (m *Manager) Status() (Status, error) {
	k, err := keyring.Load(m.opts.KeyringPath)
	if err != nil {
		return Status{}, err
	}
	var st Status
	if k != nil {
		st.HasPassword = k.PasswordWrap != nil
		if k.FederatedWrap != nil {
			st.HasFederated = true
			st.Subject = k.FederatedWrap.SubjectID
		}
	}
	return st, nil
}

// Session is a snapshot of the active session.
type Session struct {
	Method   Method
	Identity *fedauth.Identity // nil unless Method == Federated
}

// Session reports the active session, and whether there is one.
func (m *Manager) Session() (Session, bool) {
	m.μ.Lock()
	defer m.μ.Unlock()
	if m.dek == nil {
		return Session{}, false
	}
	return Session{Method: m.method, Identity: m.identity}, true
}

// KeyFingerprint returns a human-readable digest of the active session's
// DEK, or "" if there is no active session. Equal fingerprints mean (with
// high probability) equal keys, but the key cannot be recovered from it.
func (m *Manager) KeyFingerprint() string {
	m.μ.Lock()
	defer m.μ.Unlock()
	if m.dek == nil {
		return ""
	}
	return wordhash.Fingerprint(m.dek)
}

// Initialize creates a new installation: it generates a fresh DEK, wraps it
// with password, persists the keyring, and opens the store as a password
// session. If a password wrap already exists, Initialize reports
// AlreadyInitialized.
func (m *Manager) Initialize(ctx context.Context, password string) error {
	m.μ.Lock()
	defer m.μ.Unlock()
	k, err := keyring.Load(m.opts.KeyringPath)
	if err != nil {
		return err
	} else if k != nil && k.PasswordWrap != nil {
		return errkind.AlreadyInitialized
	}

	dek, err := keyring.NewDEK()
	if err != nil {
		return err
	}
	pw, err := keyring.WrapWithPassword(dek, password)
	if err != nil {
		mbits.Zero(dek)
		return err
	}
	if err := keyring.Save(m.opts.KeyringPath, keyring.New(pw, nil)); err != nil {
		mbits.Zero(dek)
		return err
	}
	return m.setSessionLocked(ctx, dek, Password, nil)
}

// UnlockWithPassword recovers the DEK from the password wrap and opens the
// store. It reports NotInitialized if there is no password wrap, and
// AuthenticationFailed if password is wrong.
func (m *Manager) UnlockWithPassword(ctx context.Context, password string) error {
	m.μ.Lock()
	defer m.μ.Unlock()
	k, err := m.loadInitializedLocked()
	if err != nil {
		return err
	}
	dek, err := keyring.UnwrapWithPassword(k.PasswordWrap, password)
	if err != nil {
		return err
	}
	return m.setSessionLocked(ctx, dek, Password, nil)
}

// UnlockWithFederatedIdentity runs a federated login and, if it resolves to
// the linked subject, recovers the DEK from the federated wrap and opens the
// store. It reports NotLinked if there is no federated wrap, and
// AccountMismatch if the login resolves to a different subject.
func (m *Manager) UnlockWithFederatedIdentity(ctx context.Context) (*fedauth.Identity, error) {
	k, err := m.loadKeyring()
	if err != nil {
		return nil, err
	} else if k == nil || k.FederatedWrap == nil {
		return nil, errkind.NotLinked
	}

	res, err := m.login(ctx)
	if err != nil {
		return nil, err
	}
	if res.Identity.Subject != k.FederatedWrap.SubjectID {
		return nil, errkind.New(errkind.AccountMismatch, "signed in as a different account than the one linked")
	}

	m.μ.Lock()
	defer m.μ.Unlock()

	// The keyring may have changed during the login.
	cur, err := keyring.Load(m.opts.KeyringPath)
	if err != nil {
		return nil, err
	} else if cur == nil || cur.FederatedWrap == nil {
		return nil, errkind.NotLinked
	} else if cur.FederatedWrap.SubjectID != res.Identity.Subject {
		return nil, errkind.AccountMismatch
	}
	dek, err := keyring.UnwrapWithFederatedIdentity(m.facility(), cur.FederatedWrap)
	if err != nil {
		return nil, err
	}
	id := res.Identity
	if err := m.setSessionLocked(ctx, dek, Federated, &id); err != nil {
		return nil, err
	}
	return &id, nil
}

// LinkFederatedIdentity runs a federated login and adds a federated wrap of
// the current session's DEK for the resulting identity. It requires an
// active session, and reports AlreadyLinked if a federated wrap exists.
func (m *Manager) LinkFederatedIdentity(ctx context.Context) (*fedauth.Identity, error) {
	return m.wrapFederated(ctx, false)
}

// ChangeFederatedIdentity runs a federated login and replaces the federated
// wrap, if any, with one for the resulting identity. The password wrap is
// not changed. It requires an active session.
func (m *Manager) ChangeFederatedIdentity(ctx context.Context) (*fedauth.Identity, error) {
	return m.wrapFederated(ctx, true)
}

func (m *Manager) wrapFederated(ctx context.Context, replace bool) (*fedauth.Identity, error) {
	check := func() (*keyring.Keyring, error) {
		if m.dek == nil {
			return nil, errkind.NotAuthenticated
		}
		k, err := m.loadInitializedLocked()
		if err != nil {
			return nil, err
		} else if !replace && k.FederatedWrap != nil {
			return nil, errkind.AlreadyLinked
		}
		return k, nil
	}

	m.μ.Lock()
	_, err := check()
	m.μ.Unlock()
	if err != nil {
		return nil, err
	}

	res, err := m.login(ctx)
	if err != nil {
		return nil, err
	}

	m.μ.Lock()
	defer m.μ.Unlock()
	k, err := check() // the session or keyring may have changed during the login
	if err != nil {
		return nil, err
	}
	fw, err := keyring.WrapWithFederatedIdentity(m.facility(), m.dek, res.Identity.Subject)
	if err != nil {
		return nil, err
	}
	if err := keyring.Save(m.opts.KeyringPath, keyring.New(k.PasswordWrap, fw)); err != nil {
		return nil, err
	}
	id := res.Identity
	return &id, nil
}

// UnlinkFederatedIdentity removes the federated wrap, keeping the password
// wrap, and discards the secure facility's key. It requires an active
// session, and reports NotLinked if there is no federated wrap.
func (m *Manager) UnlinkFederatedIdentity(ctx context.Context) error {
	m.μ.Lock()
	defer m.μ.Unlock()
	if m.dek == nil {
		return errkind.NotAuthenticated
	}
	k, err := m.loadInitializedLocked()
	if err != nil {
		return err
	} else if k.FederatedWrap == nil {
		return errkind.NotLinked
	}
	if err := keyring.Save(m.opts.KeyringPath, keyring.New(k.PasswordWrap, nil)); err != nil {
		return err
	}
	m.forgetFacilityKey()
	return nil
}

// ChangePassword replaces the password wrap with a wrap of the current
// session's DEK under newPassword. The federated wrap is not changed. It
// requires an active session.
func (m *Manager) ChangePassword(ctx context.Context, newPassword string) error {
	m.μ.Lock()
	defer m.μ.Unlock()
	if m.dek == nil {
		return errkind.NotAuthenticated
	}
	k, err := m.loadInitializedLocked()
	if err != nil {
		return err
	}
	pw, err := keyring.WrapWithPassword(m.dek, newPassword)
	if err != nil {
		return err
	}
	return keyring.Save(m.opts.KeyringPath, keyring.New(pw, k.FederatedWrap))
}

// Logout closes the store and discards the session. The keyring is not
// changed. Logout without an active session only ensures the store is
// closed.
func (m *Manager) Logout() error {
	m.μ.Lock()
	defer m.μ.Unlock()
	return m.clearSessionLocked()
}

// Shutdown waits until no critical operation is in flight, or ctx ends,
// and then logs out.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.opts.Guard != nil {
		if m.opts.Guard.Active() {
			log.Printf("Waiting for %d critical operation(s) before shutdown", m.opts.Guard.Count())
		}
		if err := m.opts.Guard.Wait(ctx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
	}
	return m.Logout()
}

// Reset destroys the live installation. It verifies password against the
// password wrap, closes the store, and copies the store file and a fresh
// password wrap of the DEK into a new timestamped backup directory. It then
// deletes the live store file and keyring, discards the secure facility's
// key, and returns the backup directory.
//
// The backup is the only way to recover the data afterward.
func (m *Manager) Reset(ctx context.Context, password string) (string, error) {
	if m.opts.BackupDir == "" {
		return "", errors.New("no backup directory is configured")
	}
	m.μ.Lock()
	defer m.μ.Unlock()
	k, err := m.loadInitializedLocked()
	if err != nil {
		return "", err
	}
	dek, err := keyring.UnwrapWithPassword(k.PasswordWrap, password)
	if err != nil {
		return "", err
	}
	defer mbits.Zero(dek)

	if err := m.clearSessionLocked(); err != nil {
		return "", err
	}

	dir := filepath.Join(m.opts.BackupDir, "reset-"+backupStamp(m.now()))
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("create backup directory: %w", err)
	}
	storePath := m.opts.Store.Path()
	if err := copyFile(filepath.Join(dir, "app.db"), storePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("back up store: %w", err)
	}
	pw, err := keyring.WrapWithPassword(dek, password)
	if err != nil {
		return "", err
	}
	if err := keyring.Save(filepath.Join(dir, "keyring.json"), keyring.New(pw, nil)); err != nil {
		return "", fmt.Errorf("back up keyring: %w", err)
	}

	if err := os.Remove(storePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("remove store: %w", err)
	}
	if err := keyring.Clear(m.opts.KeyringPath); err != nil {
		return "", err
	}
	m.forgetFacilityKey()
	log.Printf("Installation reset; backup written to %q", dir)
	return dir, nil
}

// backupStamp formats t as an ISO 8601 timestamp usable in a file name.
func backupStamp(t time.Time) string {
	s := t.UTC().Format("2006-01-02T15:04:05.000Z")
	return strings.NewReplacer(":", "-", ".", "-").Replace(s)
}

// copyFile copies the contents of src to a new file at dst.
func copyFile(dst, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	return atomicfile.Tx(dst, 0600, func(w io.Writer) error {
		_, err := io.Copy(w, in)
		return err
	})
}

func (m *Manager) now() time.Time {
	if m.opts.Now != nil {
		return m.opts.Now()
	}
	return time.Now()
}

func (m *Manager) facility() secret.Facility {
	if m.opts.Facility == nil {
		return unavailable{}
	}
	return m.opts.Facility
}

func (m *Manager) login(ctx context.Context) (*fedauth.Result, error) {
	if m.opts.Auth == nil {
		return nil, errors.New("federated login is not configured")
	}
	return m.opts.Auth.Login(ctx)
}

func (m *Manager) loadKeyring() (*keyring.Keyring, error) {
	m.μ.Lock()
	defer m.μ.Unlock()
	return keyring.Load(m.opts.KeyringPath)
}

// loadInitializedLocked loads the keyring and reports NotInitialized if it
// has no password wrap.
func (m *Manager) loadInitializedLocked() (*keyring.Keyring, error) {
	k, err := keyring.Load(m.opts.KeyringPath)
	if err != nil {
		return nil, err
	} else if k == nil || k.PasswordWrap == nil {
		return nil, errkind.NotInitialized
	}
	return k, nil
}

// setSessionLocked opens the store with dek and makes it the active
// session. On failure dek is zeroed and the previous session, if any, is
// unchanged.
func (m *Manager) setSessionLocked(ctx context.Context, dek []byte, method Method, id *fedauth.Identity) error {
	if err := m.opts.Store.Open(ctx, dek); err != nil {
		mbits.Zero(dek)
		return err
	}
	if m.dek != nil {
		mbits.Zero(m.dek)
	}
	m.dek, m.method, m.identity = dek, method, id
	return nil
}

func (m *Manager) clearSessionLocked() error {
	err := m.opts.Store.Close()
	if m.dek != nil {
		mbits.Zero(m.dek)
	}
	m.dek, m.method, m.identity = nil, None, nil
	return err
}

// unavailable is a secret.Facility that is never available.
// forgetFacilityKey discards the facility's own key material, if it has any,
// once no federated wrap depends on it. Failure leaves an unused key behind
// and is not fatal.
func (m *Manager) forgetFacilityKey() {
	f, ok := m.facility().(interface{ Forget() error })
	if !ok {
		return
	}
	if err := f.Forget(); err != nil {
		log.Printf("WARNING: Remove secure facility key: %v", err)
	}
}

type unavailable struct{}

func (unavailable) Available() bool                { return false }
func (unavailable) Encrypt([]byte) ([]byte, error) { return nil, errkind.SecureFacilityUnavailable }
func (unavailable) Decrypt([]byte) ([]byte, error) { return nil, errkind.SecureFacilityUnavailable }
