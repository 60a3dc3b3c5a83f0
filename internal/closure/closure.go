// Package closure computes the static dependency closure of a BundleSpec:
// a breadth-first walk of the ELF linkage graph using the same RPATH/RUNPATH
// and $ORIGIN search-path algebra the dynamic linker itself applies.
package closure

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sidebundle/sidebundle"
	"github.com/sidebundle/sidebundle/internal/elfmeta"
	"github.com/sidebundle/sidebundle/internal/trace"
)

// MissingInterpreterError is returned when an entry binary has no
// PT_INTERP/.interp and is therefore not a supported dynamic executable.
type MissingInterpreterError struct{ Path string }

func (e *MissingInterpreterError) Error() string {
	return fmt.Sprintf("%s: no PT_INTERP (not a dynamic executable)", e.Path)
}

// LibraryNotFoundError names both the missing SONAME and the node that
// required it.
type LibraryNotFoundError struct {
	Name     string
	NeededBy string
}

func (e *LibraryNotFoundError) Error() string {
	return fmt.Sprintf("library %q not found (needed by %s)", e.Name, e.NeededBy)
}

// defaultSearchDirs is the fixed last-resort search path, consulted after
// RPATH/RUNPATH, LD_LIBRARY_PATH and the binary's own directory.
var defaultSearchDirs = []string{
	"/lib",
	"/lib64",
	"/usr/lib",
	"/usr/lib64",
	"/usr/lib/x86_64-linux-gnu",
	"/usr/local/lib",
}

func skipSoname(name string) bool {
	return strings.HasPrefix(name, "linux-vdso") || strings.HasPrefix(name, "ld-linux")
}

// destinationFor computes the payload-relative destination for an already
// canonical absolute host path (file or directory). The mapping is a pure
// function of source: every host path, once canonicalized, names exactly
// one place in the payload tree, whether or not a file ever gets copied
// there.
func destinationFor(source string) string {
	return filepath.ToSlash(filepath.Join("payload", source))
}

// expandOrigin substitutes $ORIGIN / ${ORIGIN} in an RPATH/RUNPATH entry
// with dir (the binary's parent directory). Entries that remain relative
// after substitution (i.e. had no $ORIGIN token to begin with) are joined
// onto dir as well.
func expandOrigin(entry, dir string) string {
	expanded := strings.NewReplacer("$ORIGIN", dir, "${ORIGIN}", dir).Replace(entry)
	if filepath.IsAbs(expanded) {
		return filepath.Clean(expanded)
	}
	return filepath.Join(dir, expanded)
}

// Builder computes dependency closures for one build. It caches ELF
// metadata by canonical path and captures LD_LIBRARY_PATH once at
// construction time.
type Builder struct {
	elf           *elfmeta.Cache
	ldLibraryPath []string
}

// NewBuilder returns a Builder that captures the current LD_LIBRARY_PATH
// environment variable.
func NewBuilder() *Builder {
	return &Builder{
		elf:           elfmeta.NewCache(),
		ldLibraryPath: splitEnvPath(os.Getenv("LD_LIBRARY_PATH")),
	}
}

func splitEnvPath(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(v, ":") {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// searchPaths computes the ordered list of directories to scan for a NEEDED
// SONAME of the binary at path, whose metadata is meta.
func (b *Builder) searchPaths(path string, meta *sidebundle.ElfMetadata) []string {
	dir := filepath.Dir(path)

	rpathSource := meta.RPaths
	if len(meta.RunPaths) > 0 {
		rpathSource = meta.RunPaths
	}

	var paths []string
	for _, entry := range rpathSource {
		for _, d := range strings.Split(entry, ":") {
			if d == "" {
				continue
			}
			paths = append(paths, expandOrigin(d, dir))
		}
	}
	paths = append(paths, b.ldLibraryPath...)
	paths = append(paths, dir)
	paths = append(paths, defaultSearchDirs...)
	return paths
}

// resolveLibrary returns the first existing match for name: itself, if
// absolute and present, otherwise the first hit walking searchPaths in
// order. An empty result (no error) means "not found".
func resolveLibrary(name string, searchPaths []string) string {
	if filepath.IsAbs(name) {
		if _, err := os.Stat(name); err == nil {
			return name
		}
		return ""
	}
	for _, d := range searchPaths {
		candidate := filepath.Join(d, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

// fileSet accumulates the destination map in first-seen order so that
// Build's output is deterministic across runs on an unchanged host.
type fileSet struct {
	dest  map[string]string
	order []string
}

func newFileSet() *fileSet {
	return &fileSet{dest: make(map[string]string)}
}

// add registers source (already canonical) if not already present and
// returns its destination either way.
func (s *fileSet) add(source string) string {
	if dest, ok := s.dest[source]; ok {
		return dest
	}
	dest := destinationFor(source)
	s.dest[source] = dest
	s.order = append(s.order, source)
	return dest
}

func (s *fileSet) files() []sidebundle.ResolvedFile {
	out := make([]sidebundle.ResolvedFile, 0, len(s.order))
	for _, source := range s.order {
		out = append(out, sidebundle.ResolvedFile{Source: source, Destination: s.dest[source]})
	}
	return out
}

// Build walks spec's entries and returns the merged dependency closure, or
// an error identifying the first missing interpreter or library.
func (b *Builder) Build(spec *sidebundle.BundleSpec) (*sidebundle.DependencyClosure, error) {
	files := newFileSet()
	closure := &sidebundle.DependencyClosure{}

	for _, entry := range spec.Entries {
		plan, err := b.buildEntry(entry, files)
		if err != nil {
			return nil, err
		}
		closure.Entries = append(closure.Entries, *plan)
	}

	closure.Files = files.files()
	return closure, nil
}

func (b *Builder) buildEntry(entry sidebundle.BundleEntry, files *fileSet) (*sidebundle.EntryBundlePlan, error) {
	ev := trace.Event("closure.buildEntry:"+entry.DisplayName, 0)
	defer ev.Done()

	entryPath, err := filepath.EvalSymlinks(entry.HostPath)
	if err != nil {
		return nil, sidebundle.Io(entry.HostPath, err)
	}

	meta, err := b.elf.Inspect(entryPath)
	if err != nil {
		return nil, err
	}
	if meta.Interpreter == "" {
		return nil, &MissingInterpreterError{Path: entry.HostPath}
	}

	interpPath, err := filepath.EvalSymlinks(meta.Interpreter)
	if err != nil {
		return nil, sidebundle.Io(meta.Interpreter, err)
	}

	plan := &sidebundle.EntryBundlePlan{
		DisplayName:       entry.DisplayName,
		BinarySource:      entryPath,
		BinaryDestination: files.add(entryPath),
		RequiresLinker:    true,
		LinkerSource:      interpPath,
		LinkerDestination: files.add(interpPath),
		LibraryDirs:       []string{destinationFor(filepath.Dir(entryPath))},
	}

	libDirSeen := map[string]bool{filepath.Dir(entryPath): true}
	recordLibDir := func(dir string) {
		if !libDirSeen[dir] {
			libDirSeen[dir] = true
			plan.LibraryDirs = append(plan.LibraryDirs, destinationFor(dir))
		}
	}

	visited := map[string]bool{entryPath: true}
	queue := []string{entryPath}
	nodeMeta := map[string]*sidebundle.ElfMetadata{entryPath: meta}

	for len(queue) > 0 {
		path := queue[0]
		queue = queue[1:]
		m := nodeMeta[path]

		search := b.searchPaths(path, m)

		for _, name := range m.Needed {
			if skipSoname(name) {
				continue
			}
			hit := resolveLibrary(name, search)
			if hit == "" {
				return nil, &LibraryNotFoundError{Name: name, NeededBy: path}
			}
			canon, err := filepath.EvalSymlinks(hit)
			if err != nil {
				return nil, sidebundle.Io(hit, err)
			}

			files.add(canon)
			recordLibDir(filepath.Dir(canon))

			if !visited[canon] {
				visited[canon] = true
				childMeta, err := b.elf.Inspect(canon)
				if err != nil {
					return nil, err
				}
				nodeMeta[canon] = childMeta
				queue = append(queue, canon)
			}
		}
	}

	return plan, nil
}

// MergeTraceReport unions every path the dynamic tracer observed into dc's
// file set, so that anything opened, exec'd or dlopen'd at run time but
// never reachable from a DT_NEEDED edge (plugins, locale data, config files
// read by path) still ends up in the bundle. Observed paths already present
// in dc (the common case: the tracer rediscovering what the static walk
// already found) are skipped. hostRoot is the chroot the trace ran inside,
// if any: observed paths are resolved there to find the real file, while
// the payload destination still reflects the path's identity inside that
// root, matching how an untraced entry's own files are addressed. A path
// that no longer resolves to a regular file (deleted since the trace ran,
// a directory, a device node) is silently skipped.
func MergeTraceReport(dc *sidebundle.DependencyClosure, report *sidebundle.TraceReport, hostRoot string) *sidebundle.DependencyClosure {
	if report == nil || len(report.Paths) == 0 {
		return dc
	}

	seen := make(map[string]bool, len(dc.Files))
	merged := make([]sidebundle.ResolvedFile, len(dc.Files))
	copy(merged, dc.Files)
	for _, f := range merged {
		seen[f.Destination] = true
	}

	paths := make([]string, 0, len(report.Paths))
	for p := range report.Paths {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		hostPath := p
		if hostRoot != "" {
			hostPath = filepath.Join(hostRoot, p)
		}
		canon, err := filepath.EvalSymlinks(hostPath)
		if err != nil {
			continue
		}
		info, err := os.Stat(canon)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		dest := destinationFor(p)
		if seen[dest] {
			continue
		}
		seen[dest] = true
		merged = append(merged, sidebundle.ResolvedFile{Source: canon, Destination: dest})
	}

	out := *dc
	out.Files = merged
	return &out
}
