// Package account maps a signed-in account to its on-disk scope. Every
// persisted artifact lives under the account directory, so switching
// accounts starts from an empty store and cannot leak cached chats.
package account

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.chatsync.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".chatsync")
}

// Dir returns the account-specific directory.
func Dir(id string) string {
	return filepath.Join(BaseDir(), "accounts", id)
}

// LockPath returns the daemon lock file path for an account.
func LockPath(id string) string {
	return filepath.Join(Dir(id), "LOCK")
}

// DBPath returns the local store path for an account.
func DBPath(id string) string {
	return filepath.Join(Dir(id), "chatsync.db")
}

// LogDir returns the log directory for an account.
func LogDir(id string) string {
	return filepath.Join(Dir(id), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(id string) string {
	return filepath.Join(LogDir(id), "chatsyncd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the account directory tree with proper permissions.
func EnsureDir(id string) error {
	dirs := []string{
		Dir(id),
		LogDir(id),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
