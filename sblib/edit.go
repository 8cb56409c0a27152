package sblib

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/creachadair/mds/mdiff"
	"github.com/creachadair/mds/mstr"
	yaml "gopkg.in/yaml.v3"
)

// Edit invokes an editor on the specified object rendered as YAML. The
// editor is selected by the EDITOR environment variable. When the editor
// exits, the user is shown a diff and asked to confirm any changes. If they
// do, the results are unmarshaled back into a new value, which is returned.
//
// If the edit did not change the input, Edit returns (value, ErrNoChange).
// If the user rejected the changes, Edit returns (value, ErrUserReject).
func Edit[T any](ctx context.Context, name string, value T) (T, error) {
	var out T

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(value); err != nil {
		return out, fmt.Errorf("marshal value: %w", err)
	}

	// Edit in a temp directory so the editor shows a clean file name.
	dir, err := os.MkdirTemp("", "sbedit*")
	if err != nil {
		return out, err
	}
	defer os.RemoveAll(dir)

	epath := filepath.Join(dir, name)
	if err := os.WriteFile(epath, buf.Bytes(), 0600); err != nil {
		return out, err
	}

	cmd := exec.CommandContext(ctx, cmp.Or(os.Getenv("EDITOR"), "vi"), name)
	cmd.Dir = dir
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return out, fmt.Errorf("editor failed: %w", err)
	}

	edited, err := os.ReadFile(epath)
	if err != nil {
		return out, fmt.Errorf("read editor output: %w", err)
	}
	diff := mdiff.New(mstr.Lines(buf.String()), mstr.Lines(string(edited)))
	if len(diff.Chunks) == 0 {
		return value, ErrNoChange
	}

	// Parse before asking, so the user is not asked to keep an invalid file.
	if err := yaml.Unmarshal(edited, &out); err != nil {
		return value, fmt.Errorf("parse edited value: %w", err)
	}

	diff.AddContext(3).Unify().Format(os.Stderr, mdiff.Unified, nil)
	ok, err := Confirm("Keep changes?")
	if err != nil {
		return value, err
	} else if !ok {
		return value, ErrUserReject
	}
	return out, nil
}

var (
	// ErrNoChange is reported by Edit if the resulting value did not change.
	ErrNoChange = errors.New("input was not changed")

	// ErrUserReject is reported by Edit if the user rejected the changed file.
	ErrUserReject = errors.New("the user rejected the edits")
)
