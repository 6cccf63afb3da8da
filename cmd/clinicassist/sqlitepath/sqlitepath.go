// Package sqlitepath resolves the session database used by the CLI commands.
package sqlitepath

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// EnvVar overrides the default database location.
const EnvVar = "CLINICASSIST_SQLITE_PATH"

// ResolveSQLitePath picks the database path: the explicit flag value, then
// $CLINICASSIST_SQLITE_PATH, then ~/.clinicassist/sessions.db. The parent
// directory of the default location is created when missing.
func ResolveSQLitePath(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if v := os.Getenv(EnvVar); v != "" {
		return v, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.New("no --sqlite path given and home directory unknown")
	}

	dir := filepath.Join(home, ".clinicassist")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("could not create %s: %w", dir, err)
	}
	return filepath.Join(dir, "sessions.db"), nil
}
