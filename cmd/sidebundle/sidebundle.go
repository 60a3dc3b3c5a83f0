// Command sidebundle packages a Linux binary and its transitive
// runtime-dependency closure into a relocatable, self-contained bundle.
// Verb dispatch uses a flag.FlagSet per verb, a default verb, and a help
// pseudo-verb, even though today only "build" and "inspect" exist.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"

	"github.com/mattn/go-isatty"
	"golang.org/x/xerrors"

	"github.com/sidebundle/sidebundle"
	"github.com/sidebundle/sidebundle/internal/assemble"
	"github.com/sidebundle/sidebundle/internal/closure"
	"github.com/sidebundle/sidebundle/internal/image"
	"github.com/sidebundle/sidebundle/internal/manifest"
	"github.com/sidebundle/sidebundle/internal/oninterrupt"
	internaltrace "github.com/sidebundle/sidebundle/internal/trace"
	"github.com/sidebundle/sidebundle/internal/tracer"
)

var (
	debug      = flag.Bool("debug", false, "enable debug mode: format error messages with additional detail")
	verbose    = flag.Bool("v", false, "print diagnostics as the closure is built and the bundle assembled")
	ctracefile = flag.String("ctracefile", "", "path to store a chrome trace event file at (load in chrome://tracing)")
)

// colorize wraps s in an ANSI color code when stderr is a terminal.
func colorize(code, s string) string {
	if !isatty.IsTerminal(os.Stderr.Fd()) {
		return s
	}
	return fmt.Sprintf("\x1b[%sm%s\x1b[0m", code, s)
}

func logf(format string, args ...interface{}) {
	if !*verbose {
		return
	}
	log.Printf(colorize("36", format), args...)
}

// specFromArgs builds a BundleSpec either from -manifest or from positional
// binary paths, assigning entry-<index> display names when no manifest
// supplies explicit ones.
func specFromArgs(bundleName, manifestPath string, paths []string) (*sidebundle.BundleSpec, error) {
	if manifestPath != "" {
		f, err := os.Open(manifestPath)
		if err != nil {
			return nil, sidebundle.Io(manifestPath, err)
		}
		defer f.Close()
		m, err := manifest.Decode(f)
		if err != nil {
			return nil, err
		}
		return m.ToBundleSpec(), nil
	}

	if len(paths) == 0 {
		return nil, xerrors.New("no binaries given: pass paths or -manifest")
	}

	spec := &sidebundle.BundleSpec{Name: bundleName, Target: sidebundle.LinuxAMD64}
	for i, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, xerrors.Errorf("resolving %s: %w", p, err)
		}
		spec.Entries = append(spec.Entries, sidebundle.BundleEntry{
			HostPath:    abs,
			DisplayName: fmt.Sprintf("entry-%d", i),
		})
	}
	return spec, nil
}

// traceBackend resolves the -trace flag to a tracer.Backend, or nil when
// tracing is skipped entirely and the bundle is built from the static
// closure alone.
func traceBackend(name string) (tracer.Backend, error) {
	switch name {
	case "", "none":
		return nil, nil
	case "ptrace":
		return tracer.NewPtraceBackend(), nil
	case "fanotify":
		return tracer.NewFanotifyBackend(), nil
	case "combined":
		return tracer.NewCombinedBackend(), nil
	default:
		return nil, xerrors.Errorf("unknown -trace backend %q (want none, ptrace, fanotify or combined)", name)
	}
}

// runTrace exercises backend against every entry and returns the union of
// every path observed being opened, exec'd, stat'd or linked. The caller
// merges this into the static closure. Capturing the traced process's own
// auxv/env for userland-execve replay is a separate, unimplemented
// follow-up: these backends report paths, not process state, so a traced
// build still assembles with RuntimeMetadata unset.
func runTrace(ctx context.Context, backend tracer.Backend, root *image.Root, spec *sidebundle.BundleSpec) (*sidebundle.TraceReport, error) {
	if backend == nil {
		return nil, nil
	}
	report := sidebundle.NewTraceReport()
	for _, entry := range spec.Entries {
		inv := tracer.Invocation{Argv: []string{entry.HostPath}}
		if root != nil {
			inv.Root = root.Rootfs
			inv.Env = map[string]string{"PATH": "/usr/bin:/bin"}
		}
		logf("tracing %s with %T", entry.DisplayName, backend)
		r, err := backend.Trace(ctx, inv)
		if err != nil {
			return nil, xerrors.Errorf("tracing %s: %w", entry.DisplayName, err)
		}
		report.Merge(r)
	}
	logf("trace observed %d distinct paths", len(report.Paths))
	return report, nil
}

func cmdBuild(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("build", flag.ExitOnError)
	out := fset.String("out", "bundle", "output bundle directory")
	name := fset.String("name", "bundle", "bundle name")
	manifestPath := fset.String("manifest", "", "path to a JSON manifest naming entries explicitly (overrides positional args)")
	imageRef := fset.String("image", "", "container image reference to trace dependencies inside, instead of the build host")
	traceWith := fset.String("trace", "", "dynamic tracer backend to run before assembling: none, ptrace, fanotify or combined")
	fset.Parse(args)

	spec, err := specFromArgs(*name, *manifestPath, fset.Args())
	if err != nil {
		return err
	}

	var root *image.Root
	if *imageRef != "" {
		provider := image.NewDockerProvider()
		provider.Warnf = func(format string, a ...interface{}) { logf(format, a...) }
		root, err = provider.PrepareRoot(ctx, *imageRef)
		if err != nil {
			return xerrors.Errorf("preparing image root for %s: %w", *imageRef, err)
		}
		oninterrupt.Register(func() { root.Close() })
		defer root.Close()
	}

	backend, err := traceBackend(*traceWith)
	if err != nil {
		return err
	}
	report, err := runTrace(ctx, backend, root, spec)
	if err != nil {
		return err
	}

	logf("building dependency closure for %d entries", len(spec.Entries))
	builder := closure.NewBuilder()
	dc, err := builder.Build(spec)
	if err != nil {
		return err
	}
	logf("closure resolved to %d files", len(dc.Files))

	if report != nil {
		rootfs := ""
		if root != nil {
			rootfs = root.Rootfs
		}
		dc = closure.MergeTraceReport(dc, report, rootfs)
		logf("closure resolved to %d files after merging the trace", len(dc.Files))
	}

	oninterrupt.Register(func() { os.RemoveAll(*out) })

	opts := assemble.Options{
		Root:     *out,
		Launcher: embeddedLauncher,
	}
	if err := assemble.Assemble(dc, opts); err != nil {
		return xerrors.Errorf("assembling bundle: %w", err)
	}
	logf("wrote bundle to %s", *out)
	return nil
}

func cmdInspect(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("inspect", flag.ExitOnError)
	manifestPath := fset.String("manifest", "", "path to a JSON manifest naming entries explicitly (overrides positional args)")
	fset.Parse(args)

	spec, err := specFromArgs("inspect", *manifestPath, fset.Args())
	if err != nil {
		return err
	}

	builder := closure.NewBuilder()
	dc, err := builder.Build(spec)
	if err != nil {
		return err
	}

	for _, entry := range dc.Entries {
		fmt.Printf("%s: binary=%s dynamic=%v\n", entry.DisplayName, entry.BinaryDestination, entry.RequiresLinker)
		if entry.RequiresLinker {
			fmt.Printf("  linker=%s\n", entry.LinkerDestination)
		}
		for _, d := range entry.LibraryDirs {
			fmt.Printf("  libdir=%s\n", d)
		}
	}
	fmt.Printf("%d files total\n", len(dc.Files))
	return nil
}

func funcmain() error {
	flag.Parse()

	if *ctracefile != "" {
		f, err := os.Create(*ctracefile)
		if err != nil {
			return err
		}
		internaltrace.Sink(f)
	}

	type cmd struct {
		fn    func(ctx context.Context, args []string) error
		usage string
	}
	verbs := map[string]cmd{
		"build":   {cmdBuild, "build <binary-path>...: create a bundle from one or more binaries"},
		"inspect": {cmdInspect, "inspect <binary-path>...: print a closure without writing a bundle"},
	}

	args := flag.Args()
	verb := "build"
	if len(args) > 0 {
		if _, ok := verbs[args[0]]; ok || args[0] == "help" {
			verb = args[0]
			args = args[1:]
		}
	}

	if verb == "help" {
		fmt.Fprintln(os.Stderr, "usage: sidebundle [flags] [verb] <binary-path>...")
		var names []string
		for n := range verbs {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			fmt.Fprintf(os.Stderr, "  %s\n", verbs[n].usage)
		}
		return nil
	}

	c, ok := verbs[verb]
	if !ok {
		return xerrors.Errorf("unknown command %q", verb)
	}

	ctx, canc := sidebundle.InterruptibleContext()
	defer canc()

	return c.fn(ctx, args)
}

func main() {
	if err := funcmain(); err != nil {
		if *debug {
			fmt.Fprintf(os.Stderr, "sidebundle: %+v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "sidebundle: %v\n", err)
		}
		os.Exit(1)
	}
}
