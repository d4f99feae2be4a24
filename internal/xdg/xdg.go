// Package xdg provides helpers to resolve XDG Base Directory paths for dashql.
// It implements the XDG Base Directory specification for determining appropriate
// locations for configuration files, state data, and other application-specific
// directories on Unix-like systems.
//
// The package handles fallback to traditional locations when XDG environment
// variables are not set and ensures proper permissions for security-sensitive
// directories like configuration storage.
package xdg

import (
	"os"
	"path/filepath"
)

// App is the directory name used under every XDG base directory.
const App = "dashql"

// ConfigDir returns the XDG config directory for dashql.
// The directory is created with private permissions (0700) if missing.
// It falls back to ~/.config/dashql when XDG_CONFIG_HOME is unset.
func ConfigDir() (string, error) {
	return appDir("XDG_CONFIG_HOME", ".config")
}

// StateDir returns the XDG state directory for dashql.
// The directory is created with private permissions (0700) if missing.
// It falls back to ~/.local/state/dashql when XDG_STATE_HOME is unset.
func StateDir() (string, error) {
	return appDir("XDG_STATE_HOME", filepath.Join(".local", "state"))
}

// DataDir returns the XDG data directory for dashql, home of embedded databases.
// It falls back to ~/.local/share/dashql when XDG_DATA_HOME is unset.
func DataDir() (string, error) {
	return appDir("XDG_DATA_HOME", filepath.Join(".local", "share"))
}

func appDir(env, fallback string) (string, error) {
	base := os.Getenv(env)
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, fallback)
	}
	dir := filepath.Join(base, App)
	if err := os.MkdirAll(dir, 0o700); err != nil { // private dir
		return "", err
	}
	return dir, nil
}
