// Package assemble turns a DependencyClosure into an on-disk bundle tree.
// File copies for independent entries fan out through
// golang.org/x/sync/errgroup; config writes go through
// github.com/google/renameio so a build interrupted mid-write never leaves a
// half-written launcher config behind.
package assemble

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"github.com/google/renameio"
	"golang.org/x/sync/errgroup"

	"github.com/sidebundle/sidebundle"
	"github.com/sidebundle/sidebundle/internal/trace"
)

// EmptyClosureError is returned when a build is asked to assemble zero
// entries. An empty spec yields an empty closure with no error from the
// closure builder, but the assembler itself still rejects writing a
// useless bundle.
type EmptyClosureError struct{ Name string }

func (e *EmptyClosureError) Error() string {
	return "empty dependency closure for bundle " + e.Name
}

// LauncherBinaryProvider supplies the bytes of the embedded launcher binary
// to copy into bin/.sidebundle-launcher. In production this is the real
// compiled cmd/sidebundle-launcher binary, embedded via go:embed at the CLI
// layer; tests can supply a stand-in.
type LauncherBinaryProvider func() (io.Reader, error)

// Options configures one assembly run.
type Options struct {
	// Root is the bundle's output directory; created if absent.
	Root string
	// Trace, if non-nil, is merged into every entry's launcher config as
	// RuntimeMetadata captured from a dynamic trace.
	Trace *sidebundle.RuntimeMetadata
	// Launcher supplies the embedded launcher binary bytes.
	Launcher LauncherBinaryProvider
}

// Assemble writes payload/, launchers/*.json and bin/* for closure under
// opts.Root.
func Assemble(closure *sidebundle.DependencyClosure, opts Options) error {
	if len(closure.Entries) == 0 {
		return &EmptyClosureError{Name: opts.Root}
	}

	payloadRoot := filepath.Join(opts.Root, "payload")
	if err := os.MkdirAll(payloadRoot, 0o755); err != nil {
		return sidebundle.Io(payloadRoot, err)
	}

	var g errgroup.Group
	for _, f := range closure.Files {
		f := f
		g.Go(func() error { return copyIntoBundle(opts.Root, f) })
	}
	if err := g.Wait(); err != nil {
		return err
	}

	launcherDest := filepath.Join(opts.Root, "bin", ".sidebundle-launcher")
	if err := writeLauncherBinary(launcherDest, opts.Launcher); err != nil {
		return err
	}

	launchersDir := filepath.Join(opts.Root, "launchers")
	if err := os.MkdirAll(launchersDir, 0o755); err != nil {
		return sidebundle.Io(launchersDir, err)
	}

	for _, entry := range closure.Entries {
		cfg := launcherConfigFor(entry, opts.Trace)
		if err := writeLauncherConfig(launchersDir, entry.DisplayName, cfg); err != nil {
			return err
		}
		if err := linkEntryBinary(opts.Root, entry.DisplayName); err != nil {
			return err
		}
	}

	return nil
}

func copyIntoBundle(root string, f sidebundle.ResolvedFile) error {
	ev := trace.Event("assemble.copy:"+f.Destination, 0)
	defer ev.Done()

	dest := filepath.Join(root, filepath.FromSlash(f.Destination))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return sidebundle.Io(dest, err)
	}

	info, err := os.Lstat(f.Source)
	if err != nil {
		return sidebundle.Io(f.Source, err)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(f.Source)
		if err != nil {
			return sidebundle.Io(f.Source, err)
		}
		os.Remove(dest)
		if err := os.Symlink(target, dest); err != nil {
			return sidebundle.Io(dest, err)
		}
		return nil
	}

	src, err := os.Open(f.Source)
	if err != nil {
		return sidebundle.Io(f.Source, err)
	}
	defer src.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return sidebundle.Io(dest, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, src); err != nil {
		return sidebundle.Io(dest, err)
	}
	return nil
}

func writeLauncherBinary(dest string, provider LauncherBinaryProvider) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return sidebundle.Io(dest, err)
	}
	r, err := provider()
	if err != nil {
		return sidebundle.Io(dest, err)
	}
	if closer, ok := r.(io.Closer); ok {
		defer closer.Close()
	}

	t, err := renameio.TempFile("", dest)
	if err != nil {
		return sidebundle.Io(dest, err)
	}
	defer t.Cleanup()

	if _, err := io.Copy(t, r); err != nil {
		return sidebundle.Io(dest, err)
	}
	if err := t.Chmod(0o755); err != nil {
		return sidebundle.Io(dest, err)
	}
	if err := t.CloseAtomicallyReplace(); err != nil {
		return sidebundle.Io(dest, err)
	}
	return nil
}

func launcherConfigFor(entry sidebundle.EntryBundlePlan, trace *sidebundle.RuntimeMetadata) sidebundle.LauncherConfig {
	cfg := sidebundle.LauncherConfig{
		Dynamic:      entry.RequiresLinker,
		Binary:       entry.BinaryDestination,
		LibraryPaths: entry.LibraryDirs,
		Metadata:     trace,
	}
	if entry.RequiresLinker {
		linker := entry.LinkerDestination
		cfg.Linker = &linker
	}
	return cfg
}

func writeLauncherConfig(launchersDir, displayName string, cfg sidebundle.LauncherConfig) error {
	dest := filepath.Join(launchersDir, displayName+".json")
	encoded, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return sidebundle.Io(dest, err)
	}
	if err := renameio.WriteFile(dest, append(encoded, '\n'), 0o644); err != nil {
		return sidebundle.Io(dest, err)
	}
	return nil
}

// linkEntryBinary creates bin/<display> as a symlink to .sidebundle-launcher
// (a plain copy on platforms without symlinks).
func linkEntryBinary(root, displayName string) error {
	binDir := filepath.Join(root, "bin")
	link := filepath.Join(binDir, displayName)
	os.Remove(link)
	if err := os.Symlink(".sidebundle-launcher", link); err != nil {
		return copyFallback(filepath.Join(binDir, ".sidebundle-launcher"), link)
	}
	return nil
}

func copyFallback(source, dest string) error {
	in, err := os.Open(source)
	if err != nil {
		return sidebundle.Io(source, err)
	}
	defer in.Close()
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
	if err != nil {
		return sidebundle.Io(dest, err)
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return sidebundle.Io(dest, err)
	}
	return nil
}
