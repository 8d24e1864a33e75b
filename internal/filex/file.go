package filex

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnsureDataDir creates (if needed) and returns the per-user data directory
// for appName, e.g. ~/.chatsync. Key material and the local database live
// there, so the directory is created without group or world access.
func EnsureDataDir(appName string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}

	dir := filepath.Join(home, "."+appName)

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", dir, err)
	}

	return dir, nil
}
