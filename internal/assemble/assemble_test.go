package assemble

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sidebundle/sidebundle"
)

func stubLauncher(contents string) LauncherBinaryProvider {
	return func() (io.Reader, error) {
		return bytes.NewReader([]byte(contents)), nil
	}
}

func writeHostFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestAssembleRejectsEmptyClosure(t *testing.T) {
	err := Assemble(&sidebundle.DependencyClosure{}, Options{Root: t.TempDir(), Launcher: stubLauncher("x")})
	if _, ok := err.(*EmptyClosureError); !ok {
		t.Fatalf("Assemble(empty closure) error = %v (%T), want *EmptyClosureError", err, err)
	}
}

func TestAssembleWritesBundleTree(t *testing.T) {
	hostDir := t.TempDir()
	binSrc := filepath.Join(hostDir, "opt", "app", "bin", "server")
	libSrc := filepath.Join(hostDir, "opt", "app", "lib", "libfoo.so")
	writeHostFile(t, binSrc, "binary contents")
	writeHostFile(t, libSrc, "library contents")

	closure := &sidebundle.DependencyClosure{
		Files: []sidebundle.ResolvedFile{
			{Source: binSrc, Destination: "payload/opt/app/bin/server"},
			{Source: libSrc, Destination: "payload/opt/app/lib/libfoo.so"},
		},
		Entries: []sidebundle.EntryBundlePlan{
			{
				DisplayName:       "server",
				BinaryDestination: "payload/opt/app/bin/server",
				RequiresLinker:    true,
				LinkerDestination: "payload/opt/app/lib/libfoo.so",
				LibraryDirs:       []string{"payload/opt/app/lib"},
			},
		},
	}

	out := t.TempDir()
	err := Assemble(closure, Options{Root: out, Launcher: stubLauncher("launcher-bytes")})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	gotBin, err := os.ReadFile(filepath.Join(out, "payload", "opt", "app", "bin", "server"))
	if err != nil || string(gotBin) != "binary contents" {
		t.Errorf("copied binary = %q, %v; want %q, nil", gotBin, err, "binary contents")
	}

	launcherPath := filepath.Join(out, "bin", ".sidebundle-launcher")
	gotLauncher, err := os.ReadFile(launcherPath)
	if err != nil || string(gotLauncher) != "launcher-bytes" {
		t.Errorf("launcher binary = %q, %v; want %q, nil", gotLauncher, err, "launcher-bytes")
	}
	info, err := os.Stat(launcherPath)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm()&0o111 == 0 {
		t.Errorf("launcher binary mode = %v, want executable bits set", info.Mode())
	}

	link := filepath.Join(out, "bin", "server")
	target, err := os.Readlink(link)
	if err != nil {
		t.Fatalf("bin/server is not a symlink: %v", err)
	}
	if target != ".sidebundle-launcher" {
		t.Errorf("bin/server -> %q, want .sidebundle-launcher", target)
	}

	cfgRaw, err := os.ReadFile(filepath.Join(out, "launchers", "server.json"))
	if err != nil {
		t.Fatalf("reading launcher config: %v", err)
	}
	var cfg sidebundle.LauncherConfig
	if err := json.Unmarshal(cfgRaw, &cfg); err != nil {
		t.Fatalf("Unmarshal launcher config: %v", err)
	}
	if !cfg.Dynamic {
		t.Errorf("cfg.Dynamic = false, want true")
	}
	if cfg.Linker == nil || *cfg.Linker != "payload/opt/app/lib/libfoo.so" {
		t.Errorf("cfg.Linker = %v, want payload/opt/app/lib/libfoo.so", cfg.Linker)
	}
}

func TestAssembleStaticEntryOmitsLinker(t *testing.T) {
	hostDir := t.TempDir()
	binSrc := filepath.Join(hostDir, "static-bin")
	writeHostFile(t, binSrc, "static contents")

	closure := &sidebundle.DependencyClosure{
		Files: []sidebundle.ResolvedFile{{Source: binSrc, Destination: "payload/static-bin"}},
		Entries: []sidebundle.EntryBundlePlan{
			{DisplayName: "staticapp", BinaryDestination: "payload/static-bin", RequiresLinker: false},
		},
	}

	out := t.TempDir()
	if err := Assemble(closure, Options{Root: out, Launcher: stubLauncher("x")}); err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	cfgRaw, err := os.ReadFile(filepath.Join(out, "launchers", "staticapp.json"))
	if err != nil {
		t.Fatal(err)
	}
	var cfg sidebundle.LauncherConfig
	if err := json.Unmarshal(cfgRaw, &cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Dynamic {
		t.Errorf("cfg.Dynamic = true, want false for a static entry")
	}
	if cfg.Linker != nil {
		t.Errorf("cfg.Linker = %v, want nil for a static entry", *cfg.Linker)
	}
}

func TestAssembleCopiesSymlinks(t *testing.T) {
	hostDir := t.TempDir()
	realFile := filepath.Join(hostDir, "real")
	writeHostFile(t, realFile, "payload data")
	linkSrc := filepath.Join(hostDir, "link")
	if err := os.Symlink("real", linkSrc); err != nil {
		t.Fatal(err)
	}

	closure := &sidebundle.DependencyClosure{
		Files: []sidebundle.ResolvedFile{{Source: linkSrc, Destination: "payload/link"}},
		Entries: []sidebundle.EntryBundlePlan{
			{DisplayName: "whatever", BinaryDestination: "payload/link"},
		},
	}

	out := t.TempDir()
	if err := Assemble(closure, Options{Root: out, Launcher: stubLauncher("x")}); err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	target, err := os.Readlink(filepath.Join(out, "payload", "link"))
	if err != nil {
		t.Fatalf("payload/link is not a symlink: %v", err)
	}
	if target != "real" {
		t.Errorf("payload/link -> %q, want real", target)
	}
}
