// Program sb is a command-line tool for a sealbox installation.
package main

import (
	"os"
	"strconv"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/sealbox/cmd/sb/config"

	"github.com/creachadair/sealbox/cmd/sb/internal/cmdauth"
	"github.com/creachadair/sealbox/cmd/sb/internal/cmddebug"
)

func main() {
	var flags struct {
		Dir          string `flag:"dir,default=$SEALBOX_DIR,Installation data directory"`
		ClientID     string `flag:"client-id,default=$SEALBOX_CLIENT_ID,OAuth client ID for federated sign-in"`
		ClientSecret string `flag:"client-secret,default=$SEALBOX_CLIENT_SECRET,OAuth client secret (optional)"`
		DebugExport  bool   `flag:"debug-export,Write a plaintext copy of the store while it is open"`
	}
	root := &command.C{
		Name: command.ProgramName(),
		Help: `🔐 A command-line tool for a sealbox installation.

Sealbox keeps application data in an encrypted store. The store key is
wrapped by a password and, optionally, by a linked identity provider
account, so either one can unlock it.

Use --dir to specify the installation directory, or set SEALBOX_DIR.
Federated sign-in requires a client ID: use --client-id, set
SEALBOX_CLIENT_ID, or put client-id in the config.yaml file of the
installation. Set SEALBOX_DEBUG_EXPORT=true to enable the debug export.`,

		SetFlags: command.Flags(flax.MustBind, &flags),

		Init: func(env *command.Env) error {
			debug, _ := strconv.ParseBool(os.Getenv("SEALBOX_DEBUG_EXPORT"))
			env.Config = &config.Settings{
				Dir:          flags.Dir,
				ClientID:     flags.ClientID,
				ClientSecret: flags.ClientSecret,
				DebugExport:  flags.DebugExport || debug,
			}
			return nil
		},

		Commands: append(
			cmdauth.Commands,
			command.HelpCommand(nil),
			command.VersionCommand(),
			cmddebug.Command,
		),
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}
