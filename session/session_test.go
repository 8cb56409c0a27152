package session_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/creachadair/mds/mtest"
	"github.com/creachadair/sealbox/critical"
	"github.com/creachadair/sealbox/dbstore"
	"github.com/creachadair/sealbox/envelope"
	"github.com/creachadair/sealbox/errkind"
	"github.com/creachadair/sealbox/fedauth"
	"github.com/creachadair/sealbox/keyring"
	"github.com/creachadair/sealbox/migrate"
	"github.com/creachadair/sealbox/secret"
	"github.com/creachadair/sealbox/session"
	"github.com/creachadair/sealbox/wordhash"
	gocmp "github.com/google/go-cmp/cmp"
	gokeyring "github.com/zalando/go-keyring"
)

const testPassword = "Sup3r$ecret!"

// fakeAuth is an Authenticator that resolves to a fixed subject.
type fakeAuth struct {
	μ       sync.Mutex
	subject string
	err     error
	calls   int
	gate    chan struct{} // if non-nil, Login blocks until it is closed
}

func (a *fakeAuth) set(subject string) {
	a.μ.Lock()
	defer a.μ.Unlock()
	a.subject = subject
}

func (a *fakeAuth) Login(ctx context.Context) (*fedauth.Result, error) {
	a.μ.Lock()
	a.calls++
	gate, subject, err := a.gate, a.subject, a.err
	a.μ.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &fedauth.Result{
		Identity: fedauth.Identity{Subject: subject, Email: subject + "@example.com"},
		IDToken:  "id-" + subject,
	}, nil
}

type harness struct {
	dir   string
	kpath string
	store *dbstore.Store
	auth  *fakeAuth
	guard *critical.Guard
	m     *session.Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gokeyring.MockInit()

	// Use cheap KDF parameters; wraps record them, so unwrapping still works.
	cheap := envelope.DefaultParams
	cheap.N = 1 << 10
	mtest.Swap(t, &envelope.DefaultParams, cheap)
	dir := t.TempDir()
	h := &harness{
		dir:   dir,
		kpath: filepath.Join(dir, "auth", "keyring.json"),
		auth:  &fakeAuth{subject: "sub-123"},
		guard: new(critical.Guard),
	}
	h.store = dbstore.New(filepath.Join(dir, "data", "app.db"), dbstore.Options{
		Migrations: migrate.Schema,
		Guard:      h.guard,
	})
	h.m = session.New(session.Options{
		KeyringPath: h.kpath,
		Store:       h.store,
		Auth:        h.auth,
		Facility:    secret.Keychain{Service: "sealbox-test", User: dir},
		BackupDir:   filepath.Join(dir, "backups"),
		Guard:       h.guard,
		Now:         func() time.Time { return time.Date(2024, 5, 6, 7, 8, 9, 10e6, time.UTC) },
	})
	t.Cleanup(func() { h.m.Logout() })
	return h
}

func (h *harness) mustInit(t *testing.T) {
	t.Helper()
	if err := h.m.Initialize(context.Background(), testPassword); err != nil {
		t.Fatalf("Initialize: unexpected error: %v", err)
	}
}

func wantKind(t *testing.T, op string, err error, want errkind.Kind) {
	t.Helper()
	if !errors.Is(err, want) {
		t.Errorf("%s: got error %v, want %v", op, err, want)
	}
}

func TestInitializeUnlock(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	if got := h.m.KeyFingerprint(); got != "" {
		t.Errorf("KeyFingerprint before init: got %q, want empty", got)
	}
	wantKind(t, "UnlockWithPassword", h.m.UnlockWithPassword(ctx, testPassword), errkind.NotInitialized)

	h.mustInit(t)
	if !h.store.IsOpen() {
		t.Fatal("Store is not open after Initialize")
	}
	fp := h.m.KeyFingerprint()
	if fp == "" {
		t.Fatal("KeyFingerprint after init is empty")
	}
	db, err := h.store.DB()
	if err != nil {
		t.Fatalf("DB: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO absences (id, type, from_date, to_date) VALUES ('a1', 'vacation', '2024-01-01', '2024-01-05')`); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	wantKind(t, "Initialize again", h.m.Initialize(ctx, "other"), errkind.AlreadyInitialized)

	if err := h.m.Logout(); err != nil {
		t.Fatalf("Logout: unexpected error: %v", err)
	}
	if _, ok := h.m.Session(); ok {
		t.Error("Session still active after Logout")
	}
	if h.store.IsOpen() {
		t.Error("Store still open after Logout")
	}

	wantKind(t, "UnlockWithPassword(wrong)", h.m.UnlockWithPassword(ctx, "wrong"), errkind.AuthenticationFailed)
	if h.store.IsOpen() {
		t.Error("Store opened by a failed unlock")
	}

	if err := h.m.UnlockWithPassword(ctx, testPassword); err != nil {
		t.Fatalf("UnlockWithPassword: unexpected error: %v", err)
	}
	if got := h.m.KeyFingerprint(); got != fp {
		t.Errorf("KeyFingerprint after unlock: got %q, want %q", got, fp)
	}
	if s, ok := h.m.Session(); !ok || s.Method != session.Password {
		t.Errorf("Session: got %+v, %v; want password session", s, ok)
	}

	db, err = h.store.DB()
	if err != nil {
		t.Fatalf("DB: %v", err)
	}
	var kind string
	if err := db.QueryRow(`SELECT type FROM absences WHERE id = 'a1'`).Scan(&kind); err != nil {
		t.Fatalf("Query: %v", err)
	} else if kind != "vacation" {
		t.Errorf("Absence type: got %q, want %q", kind, "vacation")
	}
}

func TestFederated(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	// Linking requires a session.
	_, err := h.m.LinkFederatedIdentity(ctx)
	wantKind(t, "LinkFederatedIdentity", err, errkind.NotAuthenticated)
	_, err = h.m.UnlockWithFederatedIdentity(ctx)
	wantKind(t, "UnlockWithFederatedIdentity", err, errkind.NotLinked)

	h.mustInit(t)
	fp := h.m.KeyFingerprint()

	id, err := h.m.LinkFederatedIdentity(ctx)
	if err != nil {
		t.Fatalf("LinkFederatedIdentity: unexpected error: %v", err)
	}
	if id.Subject != "sub-123" {
		t.Errorf("Linked subject: got %q, want %q", id.Subject, "sub-123")
	}
	_, err = h.m.LinkFederatedIdentity(ctx)
	wantKind(t, "LinkFederatedIdentity again", err, errkind.AlreadyLinked)

	st, err := h.m.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if diff := gocmp.Diff(st, session.Status{HasPassword: true, HasFederated: true, Subject: "sub-123"}); diff != "" {
		t.Errorf("Status (-got, +want):\n%s", diff)
	}

	if err := h.m.Logout(); err != nil {
		t.Fatalf("Logout: %v", err)
	}

	t.Run("Mismatch", func(t *testing.T) {
		h.auth.set("sub-456")
		defer h.auth.set("sub-123")
		_, err := h.m.UnlockWithFederatedIdentity(ctx)
		wantKind(t, "UnlockWithFederatedIdentity", err, errkind.AccountMismatch)
		if _, ok := h.m.Session(); ok {
			t.Error("Session active after account mismatch")
		}
	})

	t.Run("Unlock", func(t *testing.T) {
		id, err := h.m.UnlockWithFederatedIdentity(ctx)
		if err != nil {
			t.Fatalf("UnlockWithFederatedIdentity: unexpected error: %v", err)
		}
		if id.Subject != "sub-123" {
			t.Errorf("Subject: got %q, want %q", id.Subject, "sub-123")
		}
		if got := h.m.KeyFingerprint(); got != fp {
			t.Errorf("KeyFingerprint: got %q, want %q", got, fp)
		}
		s, ok := h.m.Session()
		if !ok || s.Method != session.Federated || s.Identity == nil || s.Identity.Subject != "sub-123" {
			t.Errorf("Session: got %+v, %v; want federated session for sub-123", s, ok)
		}
	})

	t.Run("LoginFails", func(t *testing.T) {
		h.auth.μ.Lock()
		h.auth.err = errkind.New(errkind.Timeout, "test")
		h.auth.μ.Unlock()
		defer func() {
			h.auth.μ.Lock()
			h.auth.err = nil
			h.auth.μ.Unlock()
		}()
		_, err := h.m.ChangeFederatedIdentity(ctx)
		wantKind(t, "ChangeFederatedIdentity", err, errkind.Timeout)
	})

	t.Run("Change", func(t *testing.T) {
		h.auth.set("sub-789")
		if _, err := h.m.ChangeFederatedIdentity(ctx); err != nil {
			t.Fatalf("ChangeFederatedIdentity: unexpected error: %v", err)
		}
		st, err := h.m.Status()
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if st.Subject != "sub-789" || !st.HasPassword {
			t.Errorf("Status: got %+v, want subject sub-789 with password", st)
		}
	})

	t.Run("Unlink", func(t *testing.T) {
		if err := h.m.UnlinkFederatedIdentity(ctx); err != nil {
			t.Fatalf("UnlinkFederatedIdentity: unexpected error: %v", err)
		}
		wantKind(t, "UnlinkFederatedIdentity again", h.m.UnlinkFederatedIdentity(ctx), errkind.NotLinked)
		st, err := h.m.Status()
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if diff := gocmp.Diff(st, session.Status{HasPassword: true}); diff != "" {
			t.Errorf("Status (-got, +want):\n%s", diff)
		}
		if _, err := gokeyring.Get("sealbox-test", h.dir); !errors.Is(err, gokeyring.ErrNotFound) {
			t.Errorf("Facility key after unlink: got %v, want %v", err, gokeyring.ErrNotFound)
		}

		// Linking again creates a fresh facility key.
		if _, err := h.m.LinkFederatedIdentity(ctx); err != nil {
			t.Fatalf("LinkFederatedIdentity: unexpected error: %v", err)
		}
		if _, err := gokeyring.Get("sealbox-test", h.dir); err != nil {
			t.Errorf("Facility key after relink: unexpected error: %v", err)
		}
	})
}

func TestFacilityUnavailable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.mustInit(t)
	if _, err := h.m.LinkFederatedIdentity(ctx); err != nil {
		t.Fatalf("LinkFederatedIdentity: %v", err)
	}
	h.m.Logout()

	gokeyring.MockInitWithError(errors.New("keyring is locked"))
	defer gokeyring.MockInit()

	_, err := h.m.UnlockWithFederatedIdentity(ctx)
	wantKind(t, "UnlockWithFederatedIdentity", err, errkind.SecureFacilityUnavailable)

	// The password wrap remains a recovery path.
	if err := h.m.UnlockWithPassword(ctx, testPassword); err != nil {
		t.Errorf("UnlockWithPassword: unexpected error: %v", err)
	}
}

func TestChangePassword(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	wantKind(t, "ChangePassword", h.m.ChangePassword(ctx, "new"), errkind.NotAuthenticated)

	h.mustInit(t)
	if _, err := h.m.LinkFederatedIdentity(ctx); err != nil {
		t.Fatalf("LinkFederatedIdentity: %v", err)
	}
	before, err := keyring.Load(h.kpath)
	if err != nil {
		t.Fatalf("Load keyring: %v", err)
	}
	fp := h.m.KeyFingerprint()

	const newPassword = "correct horse battery staple"
	if err := h.m.ChangePassword(ctx, newPassword); err != nil {
		t.Fatalf("ChangePassword: unexpected error: %v", err)
	}
	after, err := keyring.Load(h.kpath)
	if err != nil {
		t.Fatalf("Load keyring: %v", err)
	}
	if diff := gocmp.Diff(after.FederatedWrap, before.FederatedWrap); diff != "" {
		t.Errorf("Federated wrap changed (-got, +want):\n%s", diff)
	}

	h.m.Logout()
	wantKind(t, "UnlockWithPassword(old)", h.m.UnlockWithPassword(ctx, testPassword), errkind.AuthenticationFailed)
	if err := h.m.UnlockWithPassword(ctx, newPassword); err != nil {
		t.Fatalf("UnlockWithPassword(new): unexpected error: %v", err)
	}
	if got := h.m.KeyFingerprint(); got != fp {
		t.Errorf("KeyFingerprint: got %q, want %q", got, fp)
	}
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.m.Reset(ctx, testPassword)
	wantKind(t, "Reset before init", err, errkind.NotInitialized)

	h.mustInit(t)
	fp := h.m.KeyFingerprint()
	if _, err := h.m.LinkFederatedIdentity(ctx); err != nil {
		t.Fatalf("LinkFederatedIdentity: unexpected error: %v", err)
	}

	_, err = h.m.Reset(ctx, "wrong")
	wantKind(t, "Reset(wrong)", err, errkind.AuthenticationFailed)
	if _, ok := h.m.Session(); !ok {
		t.Error("Failed reset ended the session")
	}

	dir, err := h.m.Reset(ctx, testPassword)
	if err != nil {
		t.Fatalf("Reset: unexpected error: %v", err)
	}
	if want := filepath.Join(h.dir, "backups", "reset-2024-05-06T07-08-09-010Z"); dir != want {
		t.Errorf("Backup dir: got %q, want %q", dir, want)
	}
	if _, ok := h.m.Session(); ok {
		t.Error("Session still active after Reset")
	}
	if h.store.IsOpen() {
		t.Error("Store still open after Reset")
	}

	// The live installation is gone.
	if _, err := os.Stat(h.store.Path()); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Live store: got %v, want not exist", err)
	}
	wantKind(t, "UnlockWithPassword after reset", h.m.UnlockWithPassword(ctx, testPassword), errkind.NotInitialized)
	if _, err := gokeyring.Get("sealbox-test", h.dir); !errors.Is(err, gokeyring.ErrNotFound) {
		t.Errorf("Facility key after reset: got %v, want %v", err, gokeyring.ErrNotFound)
	}

	// The backup holds the store and a keyring that unwraps the same DEK.
	ents, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir backup: %v", err)
	}
	var names []string
	for _, e := range ents {
		names = append(names, e.Name())
	}
	if diff := gocmp.Diff(names, []string{"app.db", "keyring.json"}); diff != "" {
		t.Errorf("Backup contents (-got, +want):\n%s", diff)
	}
	if fi, err := os.Stat(filepath.Join(dir, "app.db")); err != nil {
		t.Errorf("Backup store: %v", err)
	} else if fi.Size() == 0 {
		t.Error("Backup store is empty")
	}
	bk, err := keyring.Load(filepath.Join(dir, "keyring.json"))
	if err != nil {
		t.Fatalf("Load backup keyring: %v", err)
	}
	if bk == nil || bk.PasswordWrap == nil || bk.FederatedWrap != nil {
		t.Fatalf("Backup keyring: got %+v, want password wrap only", bk)
	}
	dek, err := keyring.UnwrapWithPassword(bk.PasswordWrap, testPassword)
	if err != nil {
		t.Fatalf("Unwrap backup: %v", err)
	}
	if got := wordhash.Fingerprint(dek); got != fp {
		t.Errorf("Backup key fingerprint: got %q, want %q", got, fp)
	}

	// The backup store opens with the recovered key.
	bs := dbstore.New(filepath.Join(dir, "app.db"), dbstore.Options{Migrations: migrate.Schema})
	defer bs.Close()
	if err := bs.Open(ctx, dek); err != nil {
		t.Errorf("Open backup store: %v", err)
	}

	// A fresh installation can be created in place.
	h.mustInit(t)
	if got := h.m.KeyFingerprint(); got == fp {
		t.Error("New installation reused the old key")
	}
}

func TestLoginDoesNotBlock(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.mustInit(t)

	gate := make(chan struct{})
	h.auth.μ.Lock()
	h.auth.gate = gate
	h.auth.μ.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := h.m.LinkFederatedIdentity(ctx)
		done <- err
	}()

	// While the login is pending, other operations proceed.
	deadline := time.Now().Add(5 * time.Second)
	for {
		h.auth.μ.Lock()
		n := h.auth.calls
		h.auth.μ.Unlock()
		if n > 0 {
			break
		} else if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for login to start")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := h.m.Status(); err != nil {
		t.Errorf("Status during login: %v", err)
	}

	// Logging out during the login invalidates it.
	if err := h.m.Logout(); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	close(gate)
	wantKind(t, "LinkFederatedIdentity", <-done, errkind.NotAuthenticated)

	st, err := h.m.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.HasFederated {
		t.Error("Federated wrap was added after logout")
	}
}

func TestShutdown(t *testing.T) {
	h := newHarness(t)
	h.mustInit(t)

	end := h.guard.Begin()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := h.m.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Shutdown during critical operation: got %v, want %v", err, context.DeadlineExceeded)
	}
	if !h.store.IsOpen() {
		t.Error("Store closed while a critical operation was active")
	}

	end()
	if err := h.m.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: unexpected error: %v", err)
	}
	if h.store.IsOpen() {
		t.Error("Store still open after Shutdown")
	}
}
