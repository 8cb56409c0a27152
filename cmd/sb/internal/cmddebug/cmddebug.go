// Package cmddebug implements the unlisted sb debug subcommands.
package cmddebug

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/sealbox/cmd/sb/config"
	sbconfig "github.com/creachadair/sealbox/config"
	"github.com/creachadair/sealbox/keyring"
	"github.com/creachadair/sealbox/sblib"
)

var Command = &command.C{
	Name:     "debug",
	Help:     "Debug commands (potentially dangerous).",
	Unlisted: true,

	Commands: []*command.C{{
		Name: "export",
		Help: `Unlock the store and write a plaintext copy of it.

The copy is written next to the store as app.decrypted.db. It is not
encrypted: delete it when you are done with it.`,
		SetFlags: command.Flags(flax.MustBind, &exportFlags),
		Run:      command.Adapt(runDebugExport),
	}, {
		Name: "show-keyring",
		Help: "Print the keyring file as JSON. Key material is wrapped and safe to show.",
		Run:  command.Adapt(runDebugShowKeyring),
	}, {
		Name: "edit-config",
		Help: "Edit the configuration file of the installation.",
		Run:  command.Adapt(runDebugEditConfig),
	}},
}

var exportFlags struct {
	Federated bool `flag:"federated,Sign in with the linked account instead of the password"`
}

// runDebugExport implements the "debug export" subcommand.
func runDebugExport(env *command.Env) error {
	env.Config.(*config.Settings).DebugExport = true
	m, err := config.Manager(env)
	if err != nil {
		return err
	}
	defer config.Shutdown(m)

	if err := config.Unlock(env, m, exportFlags.Federated); err != nil {
		return err
	}
	path, err := m.Store().ExportDecrypted(env.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(env, "Exported plaintext store to %q\n", path)
	return nil
}

// runDebugShowKeyring implements the "debug show-keyring" subcommand.
func runDebugShowKeyring(env *command.Env) error {
	lay, err := config.Layout(env)
	if err != nil {
		return err
	}
	k, err := keyring.Load(lay.KeyringPath())
	if err != nil {
		return err
	} else if k == nil {
		return errors.New("no keyring is present")
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(k)
}

// runDebugEditConfig implements the "debug edit-config" subcommand.
func runDebugEditConfig(env *command.Env) error {
	lay, err := config.Layout(env)
	if err != nil {
		return err
	}
	var cfg sbconfig.Config
	if err := cfg.Load(lay.ConfigPath()); err != nil && !os.IsNotExist(err) {
		return err
	}
	repl, err := sblib.Edit(env.Context(), "config.yaml", cfg)
	if errors.Is(err, sblib.ErrNoChange) {
		fmt.Fprintln(env, "No change")
		return nil
	} else if err != nil {
		return err
	}
	if err := repl.Save(lay.ConfigPath()); err != nil {
		return err
	}
	fmt.Fprintf(env, "Edit applied to %q\n", lay.ConfigPath())
	return nil
}
