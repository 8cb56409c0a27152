// Package migrate applies versioned schema migrations to a SQL database.
//
// Applied versions are recorded in a schema_migrations ledger table inside
// the database itself, so a database always knows its own schema version
// regardless of which program opens it. Each migration is applied together
// with its ledger entry in a single transaction: a migration either takes
// effect completely or not at all.
package migrate

import (
	"cmp"
	"context"
	"database/sql"
	"fmt"
	"slices"
	"time"

	"github.com/creachadair/sealbox/critical"
)

// LedgerTable is the name of the table that records applied migrations.
const LedgerTable = "schema_migrations"

// A Migration is a single versioned schema change.
type Migration struct {
	Version    int      // must be positive and unique within a list
	Statements []string // executed in order
}

// A Runner applies a list of migrations to a database.
type Runner struct {
	// Migrations are the migrations to apply. They need not be sorted.
	Migrations []Migration

	// Guard, if non-nil, is held for the duration of each call to Run.
	Guard *critical.Guard

	// Now, if non-nil, supplies the timestamp recorded in the ledger.
	// If nil, time.Now is used.
	Now func() time.Time
}

func (r Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Run applies all migrations whose version exceeds the current version of
// db, in increasing order of version, and returns the versions it applied.
//
// If a migration fails, its transaction is rolled back, Run stops and
// reports the error along with the versions that were applied before it.
// The database is left at the last successfully applied version.
func (r Runner) Run(ctx context.Context, db *sql.DB) ([]int, error) {
	if r.Guard != nil {
		defer r.Guard.Begin()()
	}
	todo, err := r.sorted()
	if err != nil {
		return nil, err
	}
	if err := ensureLedger(ctx, db); err != nil {
		return nil, err
	}
	cur, err := CurrentVersion(ctx, db)
	if err != nil {
		return nil, err
	}

	var applied []int
	for _, m := range todo {
		if m.Version <= cur {
			continue
		}
		if err := r.apply(ctx, db, m); err != nil {
			return applied, fmt.Errorf("migration %d: %w", m.Version, err)
		}
		applied = append(applied, m.Version)
	}
	return applied, nil
}

// sorted returns a copy of the migrations ordered by version, or an error if
// the list has invalid or duplicate versions.
func (r Runner) sorted() ([]Migration, error) {
	out := slices.Clone(r.Migrations)
	slices.SortFunc(out, func(a, b Migration) int { return cmp.Compare(a.Version, b.Version) })
	for i, m := range out {
		if m.Version <= 0 {
			return nil, fmt.Errorf("invalid migration version %d", m.Version)
		} else if i > 0 && out[i-1].Version == m.Version {
			return nil, fmt.Errorf("duplicate migration version %d", m.Version)
		}
	}
	return out, nil
}

func (r Runner) apply(ctx context.Context, db *sql.DB, m Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() // no effect after commit

	for i, stmt := range m.Statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("statement %d: %w", i+1, err)
		}
	}
	const insert = `INSERT INTO ` + LedgerTable + ` (version, applied_at) VALUES (?, ?)`
	if _, err := tx.ExecContext(ctx, insert, m.Version, r.now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("record version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func ensureLedger(ctx context.Context, db *sql.DB) error {
	const create = `CREATE TABLE IF NOT EXISTS ` + LedgerTable + ` (
  version INTEGER PRIMARY KEY,
  applied_at TEXT NOT NULL
)`
	if _, err := db.ExecContext(ctx, create); err != nil {
		return fmt.Errorf("create ledger: %w", err)
	}
	return nil
}

// CurrentVersion reports the highest migration version recorded in the
// ledger of db, or 0 if none has been applied. The ledger table must exist.
func CurrentVersion(ctx context.Context, db *sql.DB) (int, error) {
	const query = `SELECT COALESCE(MAX(version), 0) FROM ` + LedgerTable
	var v int
	if err := db.QueryRowContext(ctx, query).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}
