// Package cmdauth implements the sb subcommands that manage the keyring.
package cmdauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/mds/value"
	"github.com/creachadair/sealbox/cmd/sb/config"
	"github.com/creachadair/sealbox/sblib"
)

var Commands = []*command.C{
	{
		Name: "init",
		Help: `Initialize a new installation.

Prompts for a new password, generates a fresh data key, and creates
the encrypted store. Fails if the installation is already initialized.`,
		Run: command.Adapt(runInit),
	},
	{
		Name:     "status",
		Help:     "Print the state of the keyring.",
		SetFlags: command.Flags(flax.MustBind, &statusFlags),
		Run:      command.Adapt(runStatus),
	},
	{
		Name: "unlock",
		Help: `Unlock the store and print its schema version.

By default the password is read from the terminal. With --federated,
sign in with the linked identity provider account instead.`,
		SetFlags: command.Flags(flax.MustBind, &unlockFlags),
		Run:      command.Adapt(runUnlock),
	},
	{
		Name:     "passwd",
		Help:     "Change the password. The linked account, if any, is kept.",
		SetFlags: command.Flags(flax.MustBind, &unlockFlags),
		Run:      command.Adapt(runPasswd),
	},
	{
		Name: "link",
		Help: `Link an identity provider account.

Unlocks with the password, then opens a browser to sign in. Once
linked, "unlock --federated" can be used instead of the password.`,
		Run: command.Adapt(runLink),
	},
	{
		Name:     "relink",
		Help:     "Replace the linked identity provider account.",
		SetFlags: command.Flags(flax.MustBind, &unlockFlags),
		Run:      command.Adapt(runLink),
	},
	{
		Name:     "unlink",
		Help:     "Remove the linked identity provider account. The password is kept.",
		SetFlags: command.Flags(flax.MustBind, &unlockFlags),
		Run:      command.Adapt(runUnlink),
	},
	{
		Name: "reset",
		Help: `Reset the installation.

The current store and a copy of the keyring are moved to a timestamped
backup directory, and the live installation is removed. The password
is required. The backup is the only way to recover the data.`,
		Run: command.Adapt(runReset),
	},
}

var unlockFlags struct {
	Federated bool `flag:"federated,Sign in with the linked account instead of the password"`
}

var statusFlags struct {
	JSON bool `flag:"json,Print status as JSON"`
}

// runInit implements the "init" subcommand.
func runInit(env *command.Env) error {
	m, err := config.Manager(env)
	if err != nil {
		return err
	}
	defer config.Shutdown(m)

	if st, err := m.Status(); err != nil {
		return err
	} else if st.HasPassword {
		return errors.New("installation is already initialized")
	}
	pw, err := sblib.ConfirmPassword("New password: ")
	if err != nil {
		return err
	}
	if err := m.Initialize(env.Context(), pw); err != nil {
		return err
	}
	fmt.Fprintf(env, "Initialized; key fingerprint %s\n", m.KeyFingerprint())
	return nil
}

// runStatus implements the "status" subcommand.
func runStatus(env *command.Env) error {
	m, err := config.Manager(env)
	if err != nil {
		return err
	}
	defer config.Shutdown(m)

	st, err := m.Status()
	if err != nil {
		return err
	}
	if statusFlags.JSON {
		return json.NewEncoder(os.Stdout).Encode(st)
	}
	fmt.Printf("initialized: %v\n", st.HasPassword)
	fmt.Printf("linked:      %v\n", value.Cond(st.HasFederated, st.Subject, "no"))
	return nil
}

// runUnlock implements the "unlock" subcommand.
func runUnlock(env *command.Env) error {
	m, err := config.Manager(env)
	if err != nil {
		return err
	}
	defer config.Shutdown(m)

	if err := config.Unlock(env, m, unlockFlags.Federated); err != nil {
		return err
	}
	v, err := m.Store().SchemaVersion(env.Context())
	if err != nil {
		return err
	}
	fmt.Printf("Unlocked; schema version %d, key fingerprint %s\n", v, m.KeyFingerprint())
	return nil
}

// runPasswd implements the "passwd" subcommand.
func runPasswd(env *command.Env) error {
	m, err := config.Manager(env)
	if err != nil {
		return err
	}
	defer config.Shutdown(m)

	if err := config.Unlock(env, m, unlockFlags.Federated); err != nil {
		return err
	}
	pw, err := sblib.ConfirmPassword("New password: ")
	if err != nil {
		return err
	}
	if err := m.ChangePassword(env.Context(), pw); err != nil {
		return err
	}
	fmt.Fprintln(env, "Password changed")
	return nil
}

// runLink implements the "link" and "relink" subcommands.
func runLink(env *command.Env) error {
	m, err := config.Manager(env)
	if err != nil {
		return err
	}
	defer config.Shutdown(m)

	relink := env.Command.Name == "relink"
	if err := config.Unlock(env, m, relink && unlockFlags.Federated); err != nil {
		return err
	}
	fmt.Fprintln(env, "Complete the sign-in in your browser...")
	link := value.Cond(relink, m.ChangeFederatedIdentity, m.LinkFederatedIdentity)
	id, err := link(env.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(env, "Linked account %s (%s)\n", id.Subject, id.Email)
	return nil
}

// runUnlink implements the "unlink" subcommand.
func runUnlink(env *command.Env) error {
	m, err := config.Manager(env)
	if err != nil {
		return err
	}
	defer config.Shutdown(m)

	if err := config.Unlock(env, m, unlockFlags.Federated); err != nil {
		return err
	}
	if err := m.UnlinkFederatedIdentity(env.Context()); err != nil {
		return err
	}
	fmt.Fprintln(env, "Account unlinked")
	return nil
}

// runReset implements the "reset" subcommand.
func runReset(env *command.Env) error {
	m, err := config.Manager(env)
	if err != nil {
		return err
	}
	defer config.Shutdown(m)

	ok, err := sblib.Confirm("Reset the installation? The live data will be removed.")
	if err != nil {
		return err
	} else if !ok {
		return errors.New("reset cancelled")
	}
	pw, err := sblib.GetPassword("Password: ")
	if err != nil {
		return err
	}
	dir, err := m.Reset(env.Context(), pw)
	if err != nil {
		return err
	}
	fmt.Printf("Backup written to %s\n", dir)
	return nil
}
