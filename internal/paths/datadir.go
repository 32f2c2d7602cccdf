package paths

import (
	"os"
	"path/filepath"
)

const (
	ConfigFile = "config.yaml"
	PSKFile    = "swarm.key"
)

// DefaultDataDir returns a per-user directory for the node's config and keys.
// It prefers os.UserConfigDir and falls back to the current directory.
func DefaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		return filepath.Join(dir, "p2ptest")
	}
	return ".p2ptest"
}

// EnsureDir makes sure dir exists and returns the cleaned path.
func EnsureDir(dir string) (string, error) {
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}

func ConfigPath(dir string) string { return filepath.Join(dir, ConfigFile) }
func PSKPath(dir string) string    { return filepath.Join(dir, PSKFile) }
