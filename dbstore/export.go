package dbstore

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/creachadair/sealbox/internal/debounce"
	"github.com/fsnotify/fsnotify"
)

// exportPlaintext copies every user table of db into a new unencrypted
// database at path, replacing any existing file there.
func exportPlaintext(ctx context.Context, db *sql.DB, path string) (err error) {
	// ATTACH and DETACH must run on the same connection as the copy, and
	// outside its transaction. Holding the connection also serializes
	// concurrent exports.
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	defer conn.Close()

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove old export: %w", err)
	}

	const attach = `ATTACH DATABASE ? AS plaintext KEY ''`
	if _, err := conn.ExecContext(ctx, attach, path); err != nil {
		return fmt.Errorf("attach export: %w", err)
	}
	defer func() {
		if _, derr := conn.ExecContext(context.Background(), `DETACH DATABASE plaintext`); derr != nil {
			err = cmp.Or(err, fmt.Errorf("detach export: %w", derr))
		}
	}()

	tables, err := listTables(ctx, conn)
	if err != nil {
		return err
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin export: %w", err)
	}
	defer tx.Rollback()
	for _, name := range tables {
		q := quoteIdent(name)
		stmt := fmt.Sprintf(`CREATE TABLE plaintext.%s AS SELECT * FROM main.%s`, q, q)
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("export table %q: %w", name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit export: %w", err)
	}
	return nil
}

func listTables(ctx context.Context, conn *sql.Conn) ([]string, error) {
	const query = `SELECT name FROM main.sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`
	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("list tables: %w", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// quoteIdent quotes name as an SQL identifier.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// startExportLocked starts the debug exporter and the watcher that triggers
// it. The caller must hold s.μ and s.db must be open.
func (s *Store) startExportLocked() {
	db, path := s.db, s.opts.ExportPath
	s.export = debounce.New(cmp.Or(s.opts.ExportDelay, DefaultExportDelay), func(ctx context.Context) {
		if err := exportPlaintext(ctx, db, path); err != nil {
			log.Printf("WARNING: Debug export: %v (skipped)", err)
			return
		}
		log.Printf("Debug export written to %q", path)
	})

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("WARNING: Watch store: %v (export runs only on open)", err)
	} else if err := fw.Add(s.path); err != nil {
		log.Printf("WARNING: Watch store %q: %v (export runs only on open)", s.path, err)
		fw.Close()
	} else {
		ctx, cancel := context.WithCancel(context.Background())
		s.stopW = cancel
		s.wdone = make(chan struct{})
		go func() {
			defer close(s.wdone)
			watchStore(ctx, fw, s.path, s.export.Trigger)
		}()
	}
	s.export.Trigger()
}

// stopExportLocked stops the debug exporter and its watcher, if running.
// The caller must hold s.μ.
func (s *Store) stopExportLocked() {
	if s.stopW != nil {
		s.stopW()
		<-s.wdone
		s.stopW, s.wdone = nil, nil
	}
	if s.export != nil {
		s.export.Stop()
		s.export = nil
	}
}

// watchStore calls trigger each time the file at path is modified. It exits
// when the watcher closes, the file is moved away, or ctx ends.
func watchStore(ctx context.Context, fw *fsnotify.Watcher, path string, trigger func()) {
	defer fw.Close()
	for {
		select {
		case evt, ok := <-fw.Events:
			if !ok {
				return
			}
			if evt.Op&(fsnotify.Rename|fsnotify.Remove) != 0 {
				log.Printf("Store %q has moved; stopping the watcher", path)
				return
			} else if evt.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue // not relevant here
			}
			trigger()
		case e, ok := <-fw.Errors:
			if !ok {
				return
			}
			log.Printf("WARNING: Error watching %q: %v", path, e)
		case <-ctx.Done():
			return
		}
	}
}
