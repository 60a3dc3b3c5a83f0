// Package env captures the handful of process-environment conventions the
// CLI and the image provider share: a single env-var-with-default root the
// rest of the tool builds scratch paths under.
package env

import (
	"os"
	"path/filepath"
)

// CacheRoot is the base directory bundle-build tooling uses for scratch
// state it would rather not put in the system temp directory, such as the
// Image Root Provider's extracted container filesystems (internal/image).
// Override with SIDEBUNDLE_CACHE; defaults to $HOME/.cache/sidebundle,
// matching the shim's own DefaultExtractPath convention
// (internal/shim.DefaultExtractPath).
var CacheRoot = findCacheRoot()

func findCacheRoot() string {
	if v := os.Getenv("SIDEBUNDLE_CACHE"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "sidebundle-cache")
	}
	return filepath.Join(home, ".cache", "sidebundle")
}
