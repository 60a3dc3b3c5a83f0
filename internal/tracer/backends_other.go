//go:build !(linux && amd64)

package tracer

import (
	"context"

	"github.com/sidebundle/sidebundle"
)

// PtraceBackend and FanotifyBackend are both Linux-specific (ptrace(2) and
// fanotify(7) have no equivalents elsewhere) and are implemented only for
// linux/amd64; on every other platform both report Unsupported rather than
// failing to build.

type PtraceBackend struct{}

func NewPtraceBackend() *PtraceBackend { return &PtraceBackend{} }

func (b *PtraceBackend) Trace(ctx context.Context, inv Invocation) (*sidebundle.TraceReport, error) {
	return nil, &Unsupported{Msg: "ptrace backend: not available on this platform"}
}

type FanotifyBackend struct{}

func NewFanotifyBackend() *FanotifyBackend { return &FanotifyBackend{} }

func (b *FanotifyBackend) Trace(ctx context.Context, inv Invocation) (*sidebundle.TraceReport, error) {
	return nil, &Unsupported{Msg: "fanotify backend: not available on this platform"}
}
