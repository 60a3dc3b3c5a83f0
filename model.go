package sidebundle

// TargetTriple identifies the architecture/OS pair a bundle is built for.
// Only linux/amd64 is implemented; the type exists so that a future
// implementer has somewhere to hang a second triple without touching every
// call site.
type TargetTriple struct {
	Arch string
	OS   string
}

// LinuxAMD64 is the only supported target.
var LinuxAMD64 = TargetTriple{Arch: "x86_64", OS: "linux"}

// BundleEntry is one binary to package, as given on the command line or in a
// manifest (both external collaborators; BundleEntry is the interface they
// hand us).
type BundleEntry struct {
	// HostPath is the absolute path to the entry binary on the build host.
	HostPath string
	// DisplayName is a file-system-safe name used for bin/<display>,
	// launchers/<display>.json and shims/<display>.
	DisplayName string
}

// BundleSpec is the input to the closure builder and tracer: a named,
// ordered set of entries for one target.
type BundleSpec struct {
	Name    string
	Target  TargetTriple
	Entries []BundleEntry
}

// ElfMetadata is the pure result of inspecting one ELF file. Needed contains
// SONAMEs only, never absolute paths.
type ElfMetadata struct {
	// Interpreter is the PT_INTERP path, absolute, or "" if the binary is
	// statically linked.
	Interpreter string
	Needed      []string
	RPaths      []string
	RunPaths    []string
	// SOName is set when the file itself is a shared library.
	SOName string
}

// ResolvedFile is one host file that must be copied into the bundle.
// Source is canonical (symlinks resolved); Destination is bundle-relative
// and begins with "payload/".
type ResolvedFile struct {
	Source      string
	Destination string
}

// EntryBundlePlan is the per-entry result of the static closure build: which
// file is the binary, which is the linker, and the ordered library search
// path the launcher must reconstruct at run time.
type EntryBundlePlan struct {
	DisplayName string

	BinarySource      string
	BinaryDestination string

	RequiresLinker bool
	LinkerSource   string
	LinkerDestination string

	// LibraryDirs is ordered, entry directory first, as encountered during
	// the BFS. Bundle-relative (e.g. "payload/opt/app/lib").
	LibraryDirs []string
}

// DependencyClosure is the output of the static closure builder: every file
// that must be copied into the bundle, plus one plan per entry.
type DependencyClosure struct {
	Files   []ResolvedFile
	Entries []EntryBundlePlan
}

// TraceAccess is a bitflag set of the ways the tracer observed a path being
// touched.
type TraceAccess uint8

const (
	AccessOpen TraceAccess = 1 << iota
	AccessExec
	AccessStat
	AccessLink
)

// Has reports whether all bits in want are set.
func (a TraceAccess) Has(want TraceAccess) bool { return a&want == want }

// String renders the flag set for logging, e.g. "OPEN|EXEC".
func (a TraceAccess) String() string {
	if a == 0 {
		return ""
	}
	var s string
	add := func(flag TraceAccess, name string) {
		if a.Has(flag) {
			if s != "" {
				s += "|"
			}
			s += name
		}
	}
	add(AccessOpen, "OPEN")
	add(AccessExec, "EXEC")
	add(AccessStat, "STAT")
	add(AccessLink, "LINK")
	return s
}

// TraceReport is the accumulated result of one or more tracer runs: every
// path observed, with the union of access flags seen across all
// observations (merge is associative and commutative, so callers may union
// reports from independent backends in any order).
type TraceReport struct {
	Paths map[string]TraceAccess
}

// NewTraceReport returns an empty report.
func NewTraceReport() *TraceReport {
	return &TraceReport{Paths: make(map[string]TraceAccess)}
}

// Record unions flags into the entry for path. Recording the same
// (path, flags) twice is equivalent to recording it once.
func (r *TraceReport) Record(path string, flags TraceAccess) {
	r.Paths[path] |= flags
}

// Merge unions another report into r.
func (r *TraceReport) Merge(other *TraceReport) {
	if other == nil {
		return
	}
	for p, f := range other.Paths {
		r.Paths[p] |= f
	}
}

// AuxEntry is one (tag, value) pair from the auxiliary vector.
type AuxEntry struct {
	Key   uint64 `json:"key"`
	Value uint64 `json:"value"`
}

// AuxSnapshot is the subset of a traced process's initial auxiliary vector
// that the launcher needs to faithfully reconstruct it at run time, captured
// during tracing and replayed by the userland-execve launcher. Canonical tag
// ordering is PLATFORM, EXECFN, SECURE, RANDOM, CLKTCK, HWCAP, EGID, GID,
// EUID, UID, ENTRY, FLAGS, BASE, PAGESZ, PHNUM, PHENT, PHDR, terminated by
// AT_NULL; Entries is expected to already be in that order by the time it
// reaches the launcher.
type AuxSnapshot struct {
	Entries  []AuxEntry
	Platform *string
	Random   *[16]byte
}

// RuntimeMetadata is captured at trace time and optionally embedded in a
// LauncherConfig so that the userland-execve launcher can replay the exact
// environment and auxv the traced process observed, instead of
// whatever the extraction host happens to provide. Field names and shape
// match the "metadata" object in launchers/<display>.json.
type RuntimeMetadata struct {
	Env      map[string]string `json:"env,omitempty"`
	Auxv     []AuxEntry        `json:"auxv,omitempty"`
	Platform *string           `json:"platform"`
	Random   *[16]byte         `json:"random"`
}

// NewRuntimeMetadata flattens an AuxSnapshot and an environment map into the
// wire shape written to the launcher config.
func NewRuntimeMetadata(env map[string]string, aux AuxSnapshot) *RuntimeMetadata {
	return &RuntimeMetadata{
		Env:      env,
		Auxv:     aux.Entries,
		Platform: aux.Platform,
		Random:   aux.Random,
	}
}

// LauncherConfig is written once per entry by the assembler and read once
// per invocation by the embedded launcher. Linker is non-nil iff Dynamic is
// true.
type LauncherConfig struct {
	Dynamic      bool             `json:"dynamic"`
	Binary       string           `json:"binary"`
	Linker       *string          `json:"linker"`
	LibraryPaths []string         `json:"library_paths"`
	Metadata     *RuntimeMetadata `json:"metadata,omitempty"`
}
