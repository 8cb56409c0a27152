// Package sblib is a support library for the sealbox command-line tool.
package sblib

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/creachadair/getpass"
	"golang.org/x/term"
)

// GetPassword prompts the user at the terminal for a password with echo
// disabled. An empty password is reported as an error.
func GetPassword(prompt string) (string, error) {
	pw, err := getpass.Prompt(prompt)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	} else if pw == "" {
		return "", errors.New("empty password")
	}
	return pw, nil
}

// ConfirmPassword prompts the user at the terminal for a password with echo
// disabled, then prompts again for confirmation and reports an error if the
// two copies are not equal.
func ConfirmPassword(prompt string) (string, error) {
	pw, err := GetPassword(prompt)
	if err != nil {
		return "", err
	}
	confirm, err := getpass.Prompt("Confirm " + strings.ToLower(prompt))
	if err != nil {
		return "", fmt.Errorf("read confirmation: %w", err)
	}
	if confirm != pw {
		return "", errors.New("passwords do not match")
	}
	return pw, nil
}

// Confirm asks the user a yes-or-no question at the terminal and reports
// whether they answered yes. It reports an error if stdin is not a terminal.
func Confirm(prompt string) (bool, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return false, errors.New("confirmation requires a terminal")
	}
	oldst, err := term.MakeRaw(fd)
	if err != nil {
		return false, err
	}
	defer term.Restore(fd, oldst)
	vt := term.NewTerminal(os.Stdin, "")
	return askYesNo(vt, prompt)
}

type lineReadWriter interface {
	io.Writer
	ReadLine() (string, error)
}

func askYesNo(vt lineReadWriter, prompt string) (bool, error) {
	for {
		fmt.Fprintf(vt, "▷ %s (y/n) ", prompt)
		ln, err := vt.ReadLine()
		if err != nil {
			return false, err
		}
		switch strings.ToLower(strings.TrimSpace(ln)) {
		case "y", "yes":
			return true, nil
		case "n", "no":
			return false, nil
		default:
			fmt.Fprintln(vt, "** Please enter y(es) or n(o)")
		}
	}
}
