package launcher

import (
	"strings"
	"testing"

	"github.com/sidebundle/sidebundle"
)

func envMap(t *testing.T, env []string) map[string]string {
	t.Helper()
	m := make(map[string]string, len(env))
	for _, kv := range env {
		i := strings.IndexByte(kv, '=')
		if i < 0 {
			t.Fatalf("malformed env entry %q", kv)
		}
		m[kv[:i]] = kv[i+1:]
	}
	return m
}

func TestBuildEnvSetsSidebundleRoot(t *testing.T) {
	inv := &Invocation{
		BundleRoot: "/opt/bundles/myapp",
		Config:     &sidebundle.LauncherConfig{Metadata: &sidebundle.RuntimeMetadata{Env: map[string]string{"PATH": "/usr/bin"}}},
	}
	env := BuildEnv(inv)
	m := envMap(t, env)
	if m["SIDEBUNDLE_ROOT"] != "/opt/bundles/myapp" {
		t.Errorf("SIDEBUNDLE_ROOT = %q, want bundle root", m["SIDEBUNDLE_ROOT"])
	}
	if m["PATH"] != "/usr/bin" {
		t.Errorf("PATH = %q, want the snapshot env value", m["PATH"])
	}
}

func TestBuildEnvLibraryPathJoin(t *testing.T) {
	inv := &Invocation{
		BundleRoot: "/opt/bundles/myapp",
		Config: &sidebundle.LauncherConfig{
			LibraryPaths: []string{"payload/opt/app/lib", "payload/usr/lib"},
		},
	}
	env := BuildEnv(inv)
	m := envMap(t, env)
	want := "/opt/bundles/myapp/payload/opt/app/lib:/opt/bundles/myapp/payload/usr/lib"
	if m["LD_LIBRARY_PATH"] != want {
		t.Errorf("LD_LIBRARY_PATH = %q, want %q", m["LD_LIBRARY_PATH"], want)
	}
}

func TestBuildEnvNoLibraryPathsOmitsVar(t *testing.T) {
	inv := &Invocation{
		BundleRoot: "/opt/bundles/myapp",
		Config:     &sidebundle.LauncherConfig{},
	}
	env := BuildEnv(inv)
	m := envMap(t, env)
	if _, ok := m["LD_LIBRARY_PATH"]; ok {
		t.Errorf("LD_LIBRARY_PATH present with no configured library paths: %q", m["LD_LIBRARY_PATH"])
	}
}

func TestBuildEnvIsSorted(t *testing.T) {
	inv := &Invocation{
		BundleRoot: "/r",
		Config: &sidebundle.LauncherConfig{
			Metadata: &sidebundle.RuntimeMetadata{Env: map[string]string{"ZEBRA": "1", "APPLE": "2"}},
		},
	}
	env := BuildEnv(inv)
	for i := 1; i < len(env); i++ {
		if env[i-1] > env[i] {
			t.Fatalf("BuildEnv output not sorted: %v", env)
		}
	}
}

func TestConfigNotFoundError(t *testing.T) {
	err := &ConfigNotFoundError{Entry: "server", Path: "/bundle/launchers/server.json"}
	if !strings.Contains(err.Error(), "server") || !strings.Contains(err.Error(), "/bundle/launchers/server.json") {
		t.Errorf("Error() = %q, want it to name both the entry and the path", err.Error())
	}
}

func TestMissingLinkerError(t *testing.T) {
	err := &MissingLinkerError{Entry: "server"}
	if !strings.Contains(err.Error(), "server") {
		t.Errorf("Error() = %q, want it to name the entry", err.Error())
	}
}
