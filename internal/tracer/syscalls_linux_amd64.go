//go:build linux && amd64

package tracer

import "github.com/sidebundle/sidebundle"

// Linux x86_64 syscall numbers the ptrace backend cares about. Most are in
// golang.org/x/sys/unix already; the three added after that package's
// generator last ran for this architecture are spelled out here.
const (
	sysRead       = 0
	sysOpen       = 2
	sysStat       = 4
	sysLstat      = 6
	sysExecve     = 59
	sysReadlink   = 89
	sysOpenat     = 257
	sysNewfstatat = 262
	sysReadlinkat = 267
	sysStatx      = 332
	sysOpenat2    = 437
	sysFaccessat2 = 439
)

const atFDCWD = -100

// pathSyscall describes how to find the path argument and the dirfd (if
// any) for one syscall, and what access flags a successful call implies.
type pathSyscall struct {
	// argRegIsRSI is true when the path is in rsi (the "at" forms); false
	// means rdi (AT_FDCWD implicit).
	argRegIsRSI bool
	// hasDirfd is true when a dirfd argument in rdi must be AT_FDCWD
	// for a relative path to be recorded.
	hasDirfd bool
	access   sidebundle.TraceAccess
	// commitOnEntry is true for execve, which never returns on success.
	commitOnEntry bool
}

var pathSyscalls = map[uint64]pathSyscall{
	sysExecve:     {argRegIsRSI: false, hasDirfd: false, access: sidebundle.AccessExec, commitOnEntry: true},
	sysOpen:       {argRegIsRSI: false, hasDirfd: false, access: sidebundle.AccessOpen},
	sysStat:       {argRegIsRSI: false, hasDirfd: false, access: sidebundle.AccessStat},
	sysLstat:      {argRegIsRSI: false, hasDirfd: false, access: sidebundle.AccessStat},
	sysReadlink:   {argRegIsRSI: false, hasDirfd: false, access: sidebundle.AccessLink},
	sysOpenat:     {argRegIsRSI: true, hasDirfd: true, access: sidebundle.AccessOpen},
	sysNewfstatat: {argRegIsRSI: true, hasDirfd: true, access: sidebundle.AccessStat},
	sysReadlinkat: {argRegIsRSI: true, hasDirfd: true, access: sidebundle.AccessLink},
	sysStatx:      {argRegIsRSI: true, hasDirfd: true, access: sidebundle.AccessStat},
	sysOpenat2:    {argRegIsRSI: true, hasDirfd: true, access: sidebundle.AccessOpen},
	sysFaccessat2: {argRegIsRSI: true, hasDirfd: true, access: sidebundle.AccessStat},
}

// archSupported reports whether this build was compiled for an architecture
// the ptrace backend has a syscall table for. Always true in this file,
// which is only compiled under linux/amd64; the generic fallback in
// syscalls_other.go reports false.
const archSupported = true
