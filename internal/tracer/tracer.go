// Package tracer implements the dynamic tracer: three backends that execute
// a binary (optionally chrooted into a foreign rootfs) and record every path
// it opens, stats, links or execs. Concurrency here is inherently
// multi-process rather than multi-goroutine: each backend drives its own
// child process rather than hand-rolling in-process tracking.
package tracer

import (
	"context"
	"fmt"

	"github.com/sidebundle/sidebundle"
)

// Invocation is the input to a single trace: what to run, where, and with
// which environment overlaid onto the inherited one.
type Invocation struct {
	// Root, if non-empty, is a directory the traced child chroots into
	// before exec (normally an ImageRoot's Rootfs).
	Root string
	Argv []string
	// Env is overlaid onto the inherited environment; overlapping keys are
	// overridden. Entries are sorted lexicographically before exec for
	// deterministic child environments.
	Env map[string]string
}

// Backend is the capability every tracer implementation exposes: trace one
// invocation to completion and report every path touched.
type Backend interface {
	Trace(ctx context.Context, inv Invocation) (*sidebundle.TraceReport, error)
}

// Permission is returned when the traced child could not be ptrace-attached
// (sentinel exit code 41). A failed chroot (40) is reported as an IOError.
type Permission struct{ Msg string }

func (e *Permission) Error() string { return e.Msg }

// UnexpectedExit is returned when the root pid exited in a way the tracer
// cannot interpret (no sentinel code, no wait status).
type UnexpectedExit struct{ Msg string }

func (e *UnexpectedExit) Error() string { return e.Msg }

// Unsupported is returned when the tracer is asked to run on an
// architecture it does not implement syscall tables for.
type Unsupported struct{ Msg string }

func (e *Unsupported) Error() string { return e.Msg }

// FanotifyError wraps a fanotify-specific failure that is not a plain
// syscall errno (e.g. the feature being unavailable on this kernel).
type FanotifyError struct{ Msg string }

func (e *FanotifyError) Error() string { return e.Msg }

// childSentinelError translates the wrapper-shim's reserved exit codes into
// the tracer's error taxonomy. 40 = chroot failed, 41 = ptrace denied,
// 42 = exec failed.
func childSentinelError(code int) error {
	switch code {
	case 40:
		return sidebundle.Io("chroot", fmt.Errorf("chroot failed in traced child"))
	case 41:
		return &Permission{Msg: "ptrace attach denied by traced child"}
	case 42:
		return sidebundle.Io("execve", fmt.Errorf("exec failed in traced child"))
	default:
		return nil
	}
}
