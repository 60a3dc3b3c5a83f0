package tracer

import (
	"context"

	"github.com/sidebundle/sidebundle"
)

// CombinedBackend runs the ptrace backend to completion and then the
// fanotify backend to completion, on two separate invocations of the same
// target, merging their reports. The two backends see different slices of
// reality: ptrace decodes the exact syscall and its arguments, including
// stat and readlink calls fanotify never sees; fanotify needs no per-syscall
// decode table, so it also sees opens made through syscalls the ptrace table
// does not list. Both backends are built for linux/amd64 only. Running both closes the coverage gap
// either alone would leave.
type CombinedBackend struct {
	ptrace   Backend
	fanotify Backend
}

// NewCombinedBackend wires the two concrete backends together.
func NewCombinedBackend() *CombinedBackend {
	return &CombinedBackend{ptrace: NewPtraceBackend(), fanotify: NewFanotifyBackend()}
}

// Trace runs inv under both backends in turn and returns their union.
func (b *CombinedBackend) Trace(ctx context.Context, inv Invocation) (*sidebundle.TraceReport, error) {
	report := sidebundle.NewTraceReport()

	ptraceReport, err := b.ptrace.Trace(ctx, inv)
	if err != nil {
		return nil, err
	}
	report.Merge(ptraceReport)

	fanotifyReport, err := b.fanotify.Trace(ctx, inv)
	if err != nil {
		return nil, err
	}
	report.Merge(fanotifyReport)

	return report, nil
}
