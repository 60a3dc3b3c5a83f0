package env

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFindCacheRootHonorsOverride(t *testing.T) {
	t.Setenv("SIDEBUNDLE_CACHE", "/custom/cache")
	if got := findCacheRoot(); got != "/custom/cache" {
		t.Errorf("findCacheRoot() = %q, want /custom/cache", got)
	}
}

func TestFindCacheRootDefaultsUnderHome(t *testing.T) {
	t.Setenv("SIDEBUNDLE_CACHE", "")
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory available in this environment")
	}
	want := filepath.Join(home, ".cache", "sidebundle")
	if got := findCacheRoot(); got != want {
		t.Errorf("findCacheRoot() = %q, want %q", got, want)
	}
}
