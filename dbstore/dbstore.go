// Package dbstore manages the encrypted relational store: a single SQLCipher
// database file keyed by the installation's data-encryption key.
package dbstore

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/creachadair/sealbox/critical"
	"github.com/creachadair/sealbox/errkind"
	"github.com/creachadair/sealbox/internal/debounce"
	"github.com/creachadair/sealbox/migrate"
	sqlite3 "github.com/mutecomm/go-sqlcipher/v4"
)

// DefaultExportDelay is the debounce delay for the debug export when
// Options.ExportDelay is zero.
const DefaultExportDelay = 500 * time.Millisecond

// Options configure a Store.
type Options struct {
	// Migrations are applied every time the store is opened.
	Migrations []migrate.Migration

	// Guard, if non-nil, is held while migrations run.
	Guard *critical.Guard

	// ExportPath, if non-empty, enables the debug export: while the store is
	// open, a plaintext copy of its tables is written to this path shortly
	// after the store is opened and after each change to the store file.
	ExportPath string

	// ExportDelay is the debounce delay for the debug export.
	// If zero, DefaultExportDelay is used.
	ExportDelay time.Duration
}

// A Store is an encrypted database bound to a fixed file path.
// A Store is safe for concurrent use, but opening it with a different key
// requires closing it first.
type Store struct {
	path string
	opts Options

	μ      sync.Mutex
	db     *sql.DB
	export *debounce.Debouncer
	stopW  context.CancelFunc // stops the file watcher
	wdone  chan struct{}      // closed when the file watcher exits
}

// New constructs a closed Store for the database file at path.
func New(path string, opts Options) *Store {
	return &Store{path: path, opts: opts}
}

// Path returns the path of the database file.
func (s *Store) Path() string { return s.path }

// IsOpen reports whether s is currently open.
func (s *Store) IsOpen() bool {
	s.μ.Lock()
	defer s.μ.Unlock()
	return s.db != nil
}

// DB returns the database handle for s. If s is not open, DB reports an
// error of kind StoreNotOpen.
func (s *Store) DB() (*sql.DB, error) {
	s.μ.Lock()
	defer s.μ.Unlock()
	if s.db == nil {
		return nil, errkind.StoreNotOpen
	}
	return s.db, nil
}

// Open opens the store using dek as the page cipher key, and applies any
// pending migrations. If s is already open, Open does nothing.
//
// If dek is not the key the database was created with, Open reports an
// error of kind AuthenticationFailed. If a migration fails, the store is
// closed again and Open reports the error; the database file remains at the
// last schema version that applied successfully.
func (s *Store) Open(ctx context.Context, dek []byte) error {
	s.μ.Lock()
	defer s.μ.Unlock()
	if s.db != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}

	db, err := openCipherDB(ctx, s.path, dek)
	if err != nil {
		return err
	}
	r := migrate.Runner{Migrations: s.opts.Migrations, Guard: s.opts.Guard}
	applied, err := r.Run(ctx, db)
	if err != nil {
		db.Close()
		return fmt.Errorf("migrate store: %w", err)
	}
	if len(applied) != 0 {
		log.Printf("Applied store migrations %v", applied)
	}
	s.db = db
	if s.opts.ExportPath != "" {
		s.startExportLocked()
	}
	return nil
}

// Close closes the store and stops any background work associated with it.
// If s is not open, Close does nothing.
func (s *Store) Close() error {
	s.μ.Lock()
	defer s.μ.Unlock()
	if s.db == nil {
		return nil
	}
	s.stopExportLocked()
	db := s.db
	s.db = nil
	return db.Close()
}

// SchemaVersion reports the current schema version of the open store.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	db, err := s.DB()
	if err != nil {
		return 0, err
	}
	return migrate.CurrentVersion(ctx, db)
}

// ExportDecrypted writes a plaintext copy of every table in the open store
// to the configured export path, replacing any previous export, and returns
// the path. It reports an error if no export path is configured.
func (s *Store) ExportDecrypted(ctx context.Context) (string, error) {
	if s.opts.ExportPath == "" {
		return "", errors.New("no export path is configured")
	}
	s.μ.Lock()
	defer s.μ.Unlock()
	if s.db == nil {
		return "", errkind.StoreNotOpen
	}
	if err := exportPlaintext(ctx, s.db, s.opts.ExportPath); err != nil {
		return "", err
	}
	return s.opts.ExportPath, nil
}

// openCipherDB opens the SQLCipher database at path keyed by dek, with
// foreign key enforcement enabled, and verifies that the key is correct.
func openCipherDB(ctx context.Context, path string, dek []byte) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096&_foreign_keys=1",
		path, hex.EncodeToString(dek))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	// Keep a single connection, so that per-connection settings (the key and
	// foreign key enforcement) apply to every statement.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	// Reading the schema table forces SQLCipher to decrypt the first page,
	// which fails if the key is wrong.
	var n int
	if err := db.QueryRowContext(ctx, `SELECT count(*) FROM sqlite_master`).Scan(&n); err != nil {
		db.Close()
		var se sqlite3.Error
		if errors.As(err, &se) && se.Code == sqlite3.ErrNotADB {
			return nil, errkind.Wrap(errkind.AuthenticationFailed, err)
		}
		return nil, fmt.Errorf("read store: %w", err)
	}

	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	var fk int
	if err := db.QueryRowContext(ctx, `PRAGMA foreign_keys`).Scan(&fk); err != nil || fk != 1 {
		db.Close()
		return nil, fmt.Errorf("foreign key enforcement is not enabled (%d, %v)", fk, err)
	}
	return db, nil
}
