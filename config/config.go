// Package config handles sealbox configuration settings and the layout of
// an installation directory. Configurations are stored as YAML on disk.
package config

import (
	"cmp"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/creachadair/atomicfile"
	"github.com/creachadair/sealbox/fedauth"
	yaml "gopkg.in/yaml.v3"
)

// FileName is the name of the configuration file in an installation
// directory.
const FileName = "config.yaml"

// A Config represents the contents of a sealbox config file.
type Config struct {
	// The OAuth client identifier for federated login.
	ClientID string `yaml:"client-id,omitempty"`

	// The OAuth client secret, if the client has one.
	ClientSecret string `yaml:"client-secret,omitempty"`

	// Write a plaintext copy of the store while it is open.
	DebugExport bool `yaml:"debug-export,omitempty"`

	// How long to wait for the browser to complete a login.
	LoginTimeout time.Duration `yaml:"login-timeout,omitempty"`

	// Identity provider endpoints. If omitted, Google is used.
	Provider *fedauth.Provider `yaml:"provider,omitempty"`
}

// Load loads the contents of the specified path into c. If path does not
// exist, the reported error satisfies os.IsNotExist and c is unmodified.
func (c *Config) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var tmp Config
	if err := yaml.Unmarshal(data, &tmp); err != nil {
		return fmt.Errorf("parse config %q: %w", path, err)
	}
	*c = tmp
	return nil
}

// Save writes c to path as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return atomicfile.WriteData(path, data, 0600)
}

// Merge returns a copy of c in which each field that is set in over
// replaces the corresponding field of c.
func (c Config) Merge(over Config) Config {
	c.ClientID = cmp.Or(over.ClientID, c.ClientID)
	c.ClientSecret = cmp.Or(over.ClientSecret, c.ClientSecret)
	c.DebugExport = c.DebugExport || over.DebugExport
	c.LoginTimeout = cmp.Or(over.LoginTimeout, c.LoginTimeout)
	if over.Provider != nil {
		c.Provider = over.Provider
	}
	return c
}

// Auth returns a federated login configuration for c.
func (c Config) Auth() fedauth.Config {
	fc := fedauth.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Timeout:      c.LoginTimeout,
	}
	if c.Provider != nil {
		fc.Provider = *c.Provider
	}
	return fc
}

// Layout describes the files of an installation rooted at Dir.
type Layout struct {
	Dir string
}

// DefaultDir returns the default installation directory for the current
// user.
func DefaultDir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "sealbox"), nil
}

// ConfigPath returns the location of the configuration file.
func (l Layout) ConfigPath() string { return filepath.Join(l.Dir, FileName) }

// KeyringPath returns the location of the keyring file.
func (l Layout) KeyringPath() string { return filepath.Join(l.Dir, "auth", "keyring.json") }

// StorePath returns the location of the encrypted store.
func (l Layout) StorePath() string { return filepath.Join(l.Dir, "data", "app.db") }

// ExportPath returns the location of the plaintext debug export.
func (l Layout) ExportPath() string { return filepath.Join(l.Dir, "data", "app.decrypted.db") }

// BackupDir returns the directory under which resets write their backups.
func (l Layout) BackupDir() string { return filepath.Join(l.Dir, "backups") }
