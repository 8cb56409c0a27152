package dbstore_test

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/creachadair/sealbox/critical"
	"github.com/creachadair/sealbox/dbstore"
	"github.com/creachadair/sealbox/errkind"
	"github.com/creachadair/sealbox/migrate"
	gocmp "github.com/google/go-cmp/cmp"
	_ "github.com/mutecomm/go-sqlcipher/v4"
)

var (
	testKey  = []byte("0123456789abcdef0123456789abcdef")
	otherKey = []byte("fedcba9876543210fedcba9876543210")
)

func newStore(t *testing.T, opts dbstore.Options) *dbstore.Store {
	t.Helper()
	if opts.Migrations == nil {
		opts.Migrations = migrate.Schema
	}
	s := dbstore.New(filepath.Join(t.TempDir(), "data", "app.db"), opts)
	t.Cleanup(func() { s.Close() })
	return s
}

func mustOpen(t *testing.T, s *dbstore.Store, key []byte) *sql.DB {
	t.Helper()
	if err := s.Open(context.Background(), key); err != nil {
		t.Fatalf("Open: unexpected error: %v", err)
	}
	db, err := s.DB()
	if err != nil {
		t.Fatalf("DB: unexpected error: %v", err)
	}
	return db
}

func TestOpenClose(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, dbstore.Options{})

	if s.IsOpen() {
		t.Error("New store reports open")
	}
	if _, err := s.DB(); !errors.Is(err, errkind.StoreNotOpen) {
		t.Errorf("DB before open: got %v, want %v", err, errkind.StoreNotOpen)
	}
	if _, err := s.SchemaVersion(ctx); !errors.Is(err, errkind.StoreNotOpen) {
		t.Errorf("SchemaVersion before open: got %v, want %v", err, errkind.StoreNotOpen)
	}

	db := mustOpen(t, s, testKey)
	if !s.IsOpen() {
		t.Error("Store does not report open after Open")
	}

	// A second open is a no-op and keeps the same handle.
	if err := s.Open(ctx, testKey); err != nil {
		t.Fatalf("Second Open: unexpected error: %v", err)
	}
	if db2, _ := s.DB(); db2 != db {
		t.Error("Second Open replaced the database handle")
	}

	if v, err := s.SchemaVersion(ctx); err != nil {
		t.Errorf("SchemaVersion: unexpected error: %v", err)
	} else if want := migrate.Schema[len(migrate.Schema)-1].Version; v != want {
		t.Errorf("SchemaVersion: got %d, want %d", v, want)
	}

	if err := s.Close(); err != nil {
		t.Errorf("Close: unexpected error: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Second Close: unexpected error: %v", err)
	}
	if s.IsOpen() {
		t.Error("Store reports open after Close")
	}
}

func TestWrongKey(t *testing.T) {
	s := newStore(t, dbstore.Options{})
	db := mustOpen(t, s, testKey)
	if _, err := db.Exec(`INSERT INTO entries (activities, day_type) VALUES ('x', 'work')`); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	s.Close()

	err := s.Open(context.Background(), otherKey)
	if !errors.Is(err, errkind.AuthenticationFailed) {
		t.Fatalf("Open with wrong key: got %v, want %v", err, errkind.AuthenticationFailed)
	}
	if s.IsOpen() {
		t.Error("Store reports open after a failed Open")
	}

	// The right key still works, and the data survived.
	db = mustOpen(t, s, testKey)
	var got string
	if err := db.QueryRow(`SELECT activities FROM entries`).Scan(&got); err != nil {
		t.Fatalf("Query: %v", err)
	} else if got != "x" {
		t.Errorf("Activities: got %q, want %q", got, "x")
	}
}

func TestFileIsEncrypted(t *testing.T) {
	s := newStore(t, dbstore.Options{})
	mustOpen(t, s, testKey)
	s.Close()

	data, err := os.ReadFile(s.Path())
	if err != nil {
		t.Fatalf("Read store file: %v", err)
	}
	const header = "SQLite format 3\x00"
	if len(data) >= len(header) && string(data[:len(header)]) == header {
		t.Error("Store file has a plaintext SQLite header")
	}
}

func TestForeignKeys(t *testing.T) {
	s := newStore(t, dbstore.Options{})
	db := mustOpen(t, s, testKey)

	_, err := db.Exec(`INSERT INTO daily_report_entries (daily_report_id, entry_id, position) VALUES ('nonesuch', 999, 0)`)
	if err == nil {
		t.Error("Insert with dangling references: got nil, want error")
	}
}

func TestMigrationFailure(t *testing.T) {
	bad := append(migrate.Schema[:len(migrate.Schema):len(migrate.Schema)], migrate.Migration{
		Version:    99,
		Statements: []string{`CREATE TABLE nonesuch (`},
	})
	var g critical.Guard
	s := newStore(t, dbstore.Options{Migrations: bad, Guard: &g})
	if err := s.Open(context.Background(), testKey); err == nil {
		t.Fatal("Open with a bad migration: got nil, want error")
	}
	if s.IsOpen() {
		t.Error("Store reports open after a failed migration")
	}
	if g.Active() {
		t.Error("Guard still active after migration failure")
	}

	// Without the bad migration, the store opens at the last good version.
	s2 := dbstore.New(s.Path(), dbstore.Options{Migrations: migrate.Schema})
	defer s2.Close()
	mustOpen(t, s2, testKey)
	if v, err := s2.SchemaVersion(context.Background()); err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	} else if v != 2 {
		t.Errorf("SchemaVersion: got %d, want 2", v)
	}
}

func exportedNames(t *testing.T, path string) []string {
	t.Helper()
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("Open export: %v", err)
	}
	defer db.Close()
	rows, err := db.Query(`SELECT activities FROM entries ORDER BY id`)
	if err != nil {
		t.Fatalf("Query export: %v", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			t.Fatalf("Scan: %v", err)
		}
		out = append(out, s)
	}
	return out
}

func TestExportDecrypted(t *testing.T) {
	ctx := context.Background()
	t.Run("NoPath", func(t *testing.T) {
		s := newStore(t, dbstore.Options{})
		mustOpen(t, s, testKey)
		if _, err := s.ExportDecrypted(ctx); err == nil {
			t.Error("ExportDecrypted without a path: got nil, want error")
		}
	})

	t.Run("Closed", func(t *testing.T) {
		s := newStore(t, dbstore.Options{ExportPath: filepath.Join(t.TempDir(), "plain.db")})
		if _, err := s.ExportDecrypted(ctx); !errors.Is(err, errkind.StoreNotOpen) {
			t.Errorf("ExportDecrypted when closed: got %v, want %v", err, errkind.StoreNotOpen)
		}
	})

	t.Run("Export", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "plain.db")
		s := newStore(t, dbstore.Options{ExportPath: path, ExportDelay: time.Hour})
		db := mustOpen(t, s, testKey)
		for _, v := range []string{"alpha", "bravo"} {
			if _, err := db.Exec(`INSERT INTO entries (activities, day_type) VALUES (?, 'work')`, v); err != nil {
				t.Fatalf("Insert: %v", err)
			}
		}

		got, err := s.ExportDecrypted(ctx)
		if err != nil {
			t.Fatalf("ExportDecrypted: unexpected error: %v", err)
		} else if got != path {
			t.Errorf("Export path: got %q, want %q", got, path)
		}
		if diff := gocmp.Diff(exportedNames(t, path), []string{"alpha", "bravo"}); diff != "" {
			t.Errorf("Exported rows (-got, +want):\n%s", diff)
		}

		// A second export replaces the first.
		if _, err := db.Exec(`INSERT INTO entries (activities, day_type) VALUES ('charlie', 'school')`); err != nil {
			t.Fatalf("Insert: %v", err)
		}
		if _, err := s.ExportDecrypted(ctx); err != nil {
			t.Fatalf("ExportDecrypted: unexpected error: %v", err)
		}
		if diff := gocmp.Diff(exportedNames(t, path), []string{"alpha", "bravo", "charlie"}); diff != "" {
			t.Errorf("Exported rows (-got, +want):\n%s", diff)
		}
	})

	t.Run("Automatic", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "plain.db")
		s := newStore(t, dbstore.Options{ExportPath: path, ExportDelay: 10 * time.Millisecond})
		mustOpen(t, s, testKey)

		deadline := time.Now().Add(10 * time.Second)
		for {
			if _, err := os.Stat(path); err == nil {
				break
			} else if time.Now().After(deadline) {
				t.Fatal("Timed out waiting for the debug export")
			}
			time.Sleep(20 * time.Millisecond)
		}
		if err := s.Close(); err != nil {
			t.Errorf("Close: unexpected error: %v", err)
		}
	})
}
