// Package paths provides centralized path resolution for sigcourier.
// This package has NO internal imports (only stdlib) to avoid import cycles.
// All functions return errors to allow callers to log appropriately.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

// BaseDir returns the sigcourier base directory (~/.sigcourier).
// SIGCOURIER_HOME overrides the default.
func BaseDir() (string, error) {
	if dir := os.Getenv("SIGCOURIER_HOME"); dir != "" {
		return ExpandTilde(dir)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".sigcourier"), nil
}

// DataPath returns a path within the sigcourier data directory (~/.sigcourier/<subpath>).
func DataPath(subpath string) (string, error) {
	base, err := BaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, subpath), nil
}

// ConfigPath returns the active sigcourier.json path.
// Priority: ./sigcourier.json (current dir) > ~/.sigcourier/sigcourier.json
// Returns ("", nil) if no config exists - this is a valid state, not an error.
func ConfigPath() (string, error) {
	// Check local first
	localPath := "sigcourier.json"
	if _, err := os.Stat(localPath); err == nil {
		absPath, err := filepath.Abs(localPath)
		if err != nil {
			return "", fmt.Errorf("failed to get absolute path: %w", err)
		}
		return absPath, nil
	}

	// Check global
	globalPath, err := DataPath("sigcourier.json")
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(globalPath); err == nil {
		return globalPath, nil
	}

	// No config found - valid state
	return "", nil
}

// DefaultConfigPath returns the default location for new configs (~/.sigcourier/sigcourier.json).
func DefaultConfigPath() (string, error) {
	return DataPath("sigcourier.json")
}

// MetricsDBPath returns the metrics database path (~/.sigcourier/metrics.db).
func MetricsDBPath() (string, error) {
	return DataPath("metrics.db")
}

// PidPath returns the daemon pid file path (~/.sigcourier/sigcourier.pid).
func PidPath() (string, error) {
	return DataPath("sigcourier.pid")
}

// DaemonLogPath returns the daemon log file path (~/.sigcourier/sigcourier.log).
func DaemonLogPath() (string, error) {
	return DataPath("sigcourier.log")
}

// EnsureDir creates a directory if it doesn't exist.
// Uses 0750 permissions (owner: rwx, group: rx, other: none).
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0750); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	return nil
}

// EnsureParentDir creates the parent directory of a file path if it doesn't exist.
func EnsureParentDir(filePath string) error {
	return EnsureDir(filepath.Dir(filePath))
}

// ExpandTilde expands a path that starts with ~ to the user's home directory.
// Returns the path unchanged if it doesn't start with ~.
func ExpandTilde(path string) (string, error) {
	if len(path) == 0 || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	if len(path) == 1 {
		return home, nil
	}
	return filepath.Join(home, path[1:]), nil
}
