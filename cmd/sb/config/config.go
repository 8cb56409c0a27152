// Package config contains shared configuration settings for sb subcommands.
package config

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/creachadair/command"
	"github.com/creachadair/sealbox/config"
	"github.com/creachadair/sealbox/critical"
	"github.com/creachadair/sealbox/dbstore"
	"github.com/creachadair/sealbox/migrate"
	"github.com/creachadair/sealbox/sblib"
	"github.com/creachadair/sealbox/secret"
	"github.com/creachadair/sealbox/session"
)

// Settings are shared settings used by sb subcommands.
type Settings struct {
	Dir          string
	ClientID     string
	ClientSecret string
	DebugExport  bool
}

// Layout returns the installation layout associated with env.
func Layout(env *command.Env) (config.Layout, error) {
	set := env.Config.(*Settings)
	dir := set.Dir
	if tail, ok := strings.CutPrefix(dir, "$0"); ok {
		ep, err := os.Executable()
		if err == nil {
			dir = filepath.Join(filepath.Dir(ep), tail)
		}
	}
	if dir == "" {
		def, err := config.DefaultDir()
		if err != nil {
			return config.Layout{}, errors.New("no data directory specified (provide --dir or set SEALBOX_DIR)")
		}
		dir = def
	}
	return config.Layout{Dir: dir}, nil
}

// Load returns the configuration for env: the config file of the
// installation, if any, overridden by flags and environment.
func Load(env *command.Env) (config.Config, config.Layout, error) {
	lay, err := Layout(env)
	if err != nil {
		return config.Config{}, lay, err
	}
	var cfg config.Config
	if err := cfg.Load(lay.ConfigPath()); err != nil && !os.IsNotExist(err) {
		return cfg, lay, err
	}
	set := env.Config.(*Settings)
	return cfg.Merge(config.Config{
		ClientID:     set.ClientID,
		ClientSecret: set.ClientSecret,
		DebugExport:  set.DebugExport,
	}), lay, nil
}

// Manager constructs a session manager for the installation of env. The
// caller must call Shutdown on the manager when finished with it.
func Manager(env *command.Env) (*session.Manager, error) {
	cfg, lay, err := Load(env)
	if err != nil {
		return nil, err
	}
	g := new(critical.Guard)
	opts := dbstore.Options{Migrations: migrate.Schema, Guard: g}
	if cfg.DebugExport {
		opts.ExportPath = lay.ExportPath()
		log.Printf("WARNING: Debug export is enabled; plaintext data will be written to %q", opts.ExportPath)
	}
	mopts := session.Options{
		KeyringPath: lay.KeyringPath(),
		Store:       dbstore.New(lay.StorePath(), opts),
		Facility:    secret.Keychain{User: lay.Dir},
		BackupDir:   lay.BackupDir(),
		Guard:       g,
	}
	if cfg.ClientID != "" {
		mopts.Auth = cfg.Auth()
	}
	return session.New(mopts), nil
}

// Shutdown shuts down m, logging any error.
func Shutdown(m *session.Manager) {
	if err := m.Shutdown(context.Background()); err != nil {
		log.Printf("WARNING: Shutdown: %v", err)
	}
}

// Unlock unlocks m interactively: with a federated login if federated is
// true, otherwise with a password read from the terminal.
func Unlock(env *command.Env, m *session.Manager, federated bool) error {
	if federated {
		fmt.Fprintln(env, "Complete the sign-in in your browser...")
		id, err := m.UnlockWithFederatedIdentity(env.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(env, "Signed in as %s\n", cmp.Or(id.Email, id.Subject))
		return nil
	}
	pw, err := sblib.GetPassword("Password: ")
	if err != nil {
		return err
	}
	return m.UnlockWithPassword(env.Context(), pw)
}

