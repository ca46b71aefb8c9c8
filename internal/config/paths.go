package config

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.telex.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".telex")
}

// SessionDir returns the session-specific directory.
func SessionDir(name string) string {
	return filepath.Join(BaseDir(), "sessions", name)
}

// LockPath returns the lock file path for a session.
func LockPath(name string) string {
	return filepath.Join(SessionDir(name), "LOCK")
}

// LogDir returns the log directory for a session.
func LogDir(name string) string {
	return filepath.Join(SessionDir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "telexd.log")
}

// Path returns the global config file path.
func Path() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureSessionDir creates the session directory tree with proper permissions.
func EnsureSessionDir(name string) error {
	dirs := []string{
		SessionDir(name),
		LogDir(name),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
