//go:build linux && amd64

// Ptrace backend for the dynamic tracer. The traced process is started by
// re-executing this same binary with an internal sentinel argv[0]; the
// re-exec'd stub does the PTRACE_TRACEME/SIGSTOP/execve handshake itself,
// so the parent never needs a raw fork() of its own.
package tracer

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/sidebundle/sidebundle"
)

// traceeStubArg0 marks the re-exec'd stub process. The real argv follow it.
const traceeStubArg0 = "sidebundle-tracee-stub"

// traceeRootEnv carries the chroot target (if any) to the stub via the
// environment, since argv is reserved for the target's own argv.
const traceeRootEnv = "_SIDEBUNDLE_TRACEE_CHROOT"

func init() {
	if len(os.Args) > 1 && os.Args[0] == traceeStubArg0 {
		runTraceeStub(os.Args[1:])
		// runTraceeStub never returns: it either execve()s into the target
		// or os.Exit()s with a sentinel code.
	}
}

// runTraceeStub performs the child side of the trace: optional chroot, then
// PTRACE_TRACEME, then SIGSTOP, then execve of argv. Exit codes 40/41/42
// let the parent distinguish chroot/ptrace/exec failure without a pipe.
func runTraceeStub(argv []string) {
	if root := os.Getenv(traceeRootEnv); root != "" {
		if err := unix.Chdir(root); err != nil {
			os.Exit(40)
		}
		if err := unix.Chroot("."); err != nil {
			os.Exit(40)
		}
		if err := unix.Chdir("/"); err != nil {
			os.Exit(40)
		}
	}

	if err := unix.PtraceTraceme(); err != nil {
		os.Exit(41)
	}

	unix.Kill(os.Getpid(), unix.SIGSTOP)

	env := os.Environ()
	filtered := env[:0]
	for _, kv := range env {
		if !strings.HasPrefix(kv, traceeRootEnv+"=") {
			filtered = append(filtered, kv)
		}
	}

	if err := unix.Exec(argv[0], argv, filtered); err != nil {
		os.Exit(42)
	}
}

const ptraceOptions = unix.PTRACE_O_TRACESYSGOOD |
	unix.PTRACE_O_TRACEEXIT |
	unix.PTRACE_O_TRACEFORK |
	unix.PTRACE_O_TRACEVFORK |
	unix.PTRACE_O_TRACECLONE |
	unix.PTRACE_O_TRACEEXEC

type pendingRecord struct {
	path   string
	access sidebundle.TraceAccess
}

type tracee struct {
	entering bool
	pending  *pendingRecord
}

// PtraceBackend is the syscall-level tracer backend.
type PtraceBackend struct{}

// NewPtraceBackend returns a ready-to-use ptrace backend.
func NewPtraceBackend() *PtraceBackend { return &PtraceBackend{} }

func mergedEnv(overrides map[string]string) []string {
	merged := make(map[string]string, len(overrides))
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			merged[kv[:i]] = kv[i+1:]
		}
	}
	for k, v := range overrides {
		merged[k] = v
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+merged[k])
	}
	return out
}

// Trace runs inv to completion under ptrace and returns every path it
// observed. Requires PTRACE_O_TRACESYSGOOD support and the syscall table for
// the current architecture.
func (b *PtraceBackend) Trace(ctx context.Context, inv Invocation) (*sidebundle.TraceReport, error) {
	if !archSupported {
		return nil, &Unsupported{Msg: "ptrace backend: unsupported architecture"}
	}

	self, err := os.Executable()
	if err != nil {
		return nil, sidebundle.Io("self-exe", err)
	}

	stubArgv := append([]string{traceeStubArg0}, inv.Argv...)
	cmd := exec.Command(self, stubArgv[1:]...)
	cmd.Args = stubArgv
	cmd.Env = mergedEnv(inv.Env)
	if inv.Root != "" {
		cmd.Env = append(cmd.Env, traceeRootEnv+"="+inv.Root)
	}
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, sidebundle.Io(self, err)
	}
	rootPid := cmd.Process.Pid

	report := sidebundle.NewTraceReport()
	tracees := map[int]*tracee{rootPid: {}}

	var ws unix.WaitStatus
	if _, err := unix.Wait4(rootPid, &ws, 0, nil); err != nil {
		return nil, sidebundle.Io("wait4", err)
	}
	if !ws.Stopped() {
		return nil, &UnexpectedExit{Msg: fmt.Sprintf("tracee %d did not stop on launch", rootPid)}
	}
	if err := unix.PtraceSetOptions(rootPid, ptraceOptions); err != nil {
		return nil, sidebundle.Io("ptrace_setoptions", err)
	}
	if err := unix.PtraceSyscall(rootPid, 0); err != nil {
		return nil, sidebundle.Io("ptrace_syscall", err)
	}

	var rootExitCode int
	rootExited := false

	for len(tracees) > 0 {
		var status unix.WaitStatus
		pid, err := unix.Wait4(-1, &status, 0, nil)
		if err == unix.ECHILD {
			break
		}
		if err != nil {
			return nil, sidebundle.Io("wait4", err)
		}

		switch {
		case status.Exited():
			if pid == rootPid {
				rootExited = true
				rootExitCode = status.ExitStatus()
			}
			delete(tracees, pid)
			continue
		case status.Signaled():
			if pid == rootPid {
				rootExited = true
				rootExitCode = -1
			}
			delete(tracees, pid)
			continue
		case status.Stopped():
			// handled below
		default:
			continue
		}

		t, known := tracees[pid]
		if !known {
			t = &tracee{}
			tracees[pid] = t
		}

		sig := status.StopSignal()
		resumeSig := 0

		switch {
		case sig == syscall.SIGTRAP|0x80:
			handleSyscallStop(pid, t, report)
		case isEventStop(status):
			handleEventStop(pid, status, tracees)
		case sig == unix.SIGTRAP || sig == unix.SIGSTOP:
			// plain attach/group stop, nothing to record.
		default:
			// Forward any other stopping signal to the tracee on resume.
			resumeSig = int(sig)
		}

		if _, stillKnown := tracees[pid]; stillKnown {
			unix.PtraceSyscall(pid, resumeSig)
		}
	}

	if !rootExited {
		return report, nil
	}
	if rootExitCode >= 40 && rootExitCode <= 42 {
		if err := childSentinelError(rootExitCode); err != nil {
			return nil, err
		}
	}
	return report, nil
}

func isEventStop(status unix.WaitStatus) bool {
	cause := status.TrapCause()
	return cause == unix.PTRACE_EVENT_FORK ||
		cause == unix.PTRACE_EVENT_VFORK ||
		cause == unix.PTRACE_EVENT_CLONE ||
		cause == unix.PTRACE_EVENT_EXEC ||
		cause == unix.PTRACE_EVENT_EXIT
}

func handleEventStop(pid int, status unix.WaitStatus, tracees map[int]*tracee) {
	cause := status.TrapCause()
	switch cause {
	case unix.PTRACE_EVENT_FORK, unix.PTRACE_EVENT_VFORK, unix.PTRACE_EVENT_CLONE:
		msg, err := unix.PtraceGetEventMsg(pid)
		if err != nil {
			return
		}
		childPid := int(msg)
		if _, ok := tracees[childPid]; !ok {
			tracees[childPid] = &tracee{}
		}
		if err := unix.PtraceAttach(childPid); err != nil {
			switch err {
			case unix.EPERM, unix.EBUSY, unix.ESRCH:
				// Kernel has already attached it via the TRACE* option.
			}
		}
		unix.PtraceSyscall(childPid, 0)
	case unix.PTRACE_EVENT_EXEC, unix.PTRACE_EVENT_EXIT:
		// No bookkeeping needed beyond resuming; handled by the caller.
	}
}

func handleSyscallStop(pid int, t *tracee, report *sidebundle.TraceReport) {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(pid, &regs); err != nil {
		return
	}

	t.entering = !t.entering

	if t.entering {
		spec, ok := pathSyscalls[regs.Orig_rax]
		if !ok {
			t.pending = nil
			return
		}

		var argReg uint64 = regs.Rdi
		if spec.argRegIsRSI {
			argReg = regs.Rsi
		}
		if argReg == 0 {
			t.pending = nil
			return
		}

		path := readCString(pid, uintptr(argReg))
		if path == "" {
			t.pending = nil
			return
		}
		if spec.hasDirfd && !strings.HasPrefix(path, "/") && int64(regs.Rdi) != atFDCWD {
			t.pending = nil
			return
		}
		t.pending = &pendingRecord{path: path, access: spec.access}

		if spec.commitOnEntry {
			report.Record(t.pending.path, t.pending.access)
			t.pending = nil
		}
		return
	}

	// Exit stop: commit only on success.
	if t.pending == nil {
		return
	}
	ret := int64(regs.Rax)
	if ret >= 0 {
		report.Record(t.pending.path, t.pending.access)
	}
	t.pending = nil
}

// readCString reads a NUL-terminated string from the tracee's memory one
// machine word at a time.
func readCString(pid int, addr uintptr) string {
	if addr == 0 {
		return ""
	}
	const maxLen = 4096
	var out []byte
	buf := make([]byte, 8)
	for len(out) < maxLen {
		n, err := unix.PtracePeekData(pid, addr+uintptr(len(out)), buf)
		if err != nil || n == 0 {
			break
		}
		for _, c := range buf[:n] {
			if c == 0 {
				return string(out)
			}
			out = append(out, c)
		}
	}
	return string(out)
}
