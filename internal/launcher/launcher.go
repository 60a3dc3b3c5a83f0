// Package launcher implements the embedded bundle launcher: the small
// binary copied to bin/.sidebundle-launcher that, on invocation, reads its
// entry's launchers/<entry>.json and re-enters the original target either by
// a real execve of the binary or its linker (exec-mode), or by synthesizing
// a fresh initial process stack and jumping directly to the loaded program
// (userland-execve mode). Exec-mode is always available; userland-execve
// mode requires linux/amd64 and a runtime metadata snapshot.
package launcher

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/sidebundle/sidebundle"
)

// ConfigNotFoundError is returned when argv[0]'s basename has no matching
// launchers/<entry>.json under the discovered bundle root.
type ConfigNotFoundError struct {
	Entry string
	Path  string
}

func (e *ConfigNotFoundError) Error() string {
	return fmt.Sprintf("no launcher config for entry %q at %s", e.Entry, e.Path)
}

// MissingLinkerError is returned when a config has Dynamic set but no
// Linker path, violating the invariant the assembler is supposed to uphold.
type MissingLinkerError struct{ Entry string }

func (e *MissingLinkerError) Error() string {
	return fmt.Sprintf("launcher config for %q has dynamic=true but no linker", e.Entry)
}

// unsupportedError marks a platform's lack of a userland-execve
// implementation, mirroring the tracer package's identically-named concept
// but kept local so this package has no dependency on internal/tracer.
type unsupportedError struct{ msg string }

func (e *unsupportedError) Error() string { return e.msg }

func isUnsupported(err error) bool {
	_, ok := err.(*unsupportedError)
	return ok
}

// Invocation is the result of invocation discovery: which bundle, which
// entry, and the config that describes how to re-enter it.
type Invocation struct {
	BundleRoot string
	EntryName  string
	Config     *sidebundle.LauncherConfig
}

// Discover finds the bundle and entry this launcher is running as: its own
// executable path determines bundle_root (two directories up from
// bin/.sidebundle-launcher), and argv[0]'s basename names the entry whose
// config is read.
func Discover(argv0 string) (*Invocation, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, sidebundle.Io("current executable", err)
	}
	self, err = filepath.EvalSymlinks(self)
	if err != nil {
		return nil, sidebundle.Io(self, err)
	}

	binDir := filepath.Dir(self)
	bundleRoot := filepath.Dir(binDir)
	entry := filepath.Base(argv0)

	cfgPath := filepath.Join(bundleRoot, "launchers", entry+".json")
	f, err := os.Open(cfgPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &ConfigNotFoundError{Entry: entry, Path: cfgPath}
		}
		return nil, sidebundle.Io(cfgPath, err)
	}
	defer f.Close()

	var cfg sidebundle.LauncherConfig
	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, sidebundle.Io(cfgPath, err)
	}
	if cfg.Dynamic && cfg.Linker == nil {
		return nil, &MissingLinkerError{Entry: entry}
	}

	return &Invocation{BundleRoot: bundleRoot, EntryName: entry, Config: &cfg}, nil
}

// BuildEnv constructs the launched process's environment: start from the
// snapshot env if present, else inherit the live environment; unconditionally
// set SIDEBUNDLE_ROOT; set LD_LIBRARY_PATH from the bundle-relative library
// paths when non-empty.
func BuildEnv(inv *Invocation) []string {
	var base map[string]string
	if inv.Config.Metadata != nil && inv.Config.Metadata.Env != nil {
		base = inv.Config.Metadata.Env
	} else {
		base = make(map[string]string)
		for _, kv := range os.Environ() {
			if i := strings.IndexByte(kv, '='); i >= 0 {
				base[kv[:i]] = kv[i+1:]
			}
		}
	}

	base["SIDEBUNDLE_ROOT"] = inv.BundleRoot

	if len(inv.Config.LibraryPaths) > 0 {
		abs := make([]string, len(inv.Config.LibraryPaths))
		for i, rel := range inv.Config.LibraryPaths {
			abs[i] = filepath.Join(inv.BundleRoot, filepath.FromSlash(rel))
		}
		base["LD_LIBRARY_PATH"] = strings.Join(abs, ":")
	}

	keys := make([]string, 0, len(base))
	for k := range base {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+base[k])
	}
	return env
}

// binaryPath and linkerPath resolve a config's bundle-relative paths to
// absolute ones under the bundle root.
func binaryPath(inv *Invocation) string {
	return filepath.Join(inv.BundleRoot, filepath.FromSlash(inv.Config.Binary))
}

func linkerPath(inv *Invocation) string {
	return filepath.Join(inv.BundleRoot, filepath.FromSlash(*inv.Config.Linker))
}

// Run performs invocation discovery for argv[0] and re-enters the target
// with callerArgs appended. It does not return on success (the process
// image is replaced or the program is jumped to directly); on failure it
// returns the cause.
func Run(argv0 string, callerArgs []string) error {
	inv, err := Discover(argv0)
	if err != nil {
		return err
	}
	env := BuildEnv(inv)

	if inv.Config.Metadata != nil {
		if err := runUserland(inv, callerArgs, env); err != nil {
			if !isUnsupported(err) {
				return err
			}
			// Fall through to exec-mode on platforms without a userland
			// implementation: exec-mode always works.
		} else {
			return nil
		}
	}

	return runExec(inv, callerArgs, env)
}

// runExec performs a real execve of the binary (static case) or of the
// linker with the binary prepended to argv (dynamic case).
func runExec(inv *Invocation, callerArgs []string, env []string) error {
	bin := binaryPath(inv)

	if !inv.Config.Dynamic {
		argv := append([]string{bin}, callerArgs...)
		err := unix.Exec(bin, argv, env)
		return xerrors.Errorf("execve %s: %w", bin, err)
	}

	linker := linkerPath(inv)
	argv := append([]string{linker, bin}, callerArgs...)
	err := unix.Exec(linker, argv, env)
	return xerrors.Errorf("execve %s: %w", linker, err)
}
