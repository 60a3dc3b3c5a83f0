//go:build !(linux && amd64)

package launcher

// runUserland is unimplemented outside linux/amd64: the raw mmap/ptrace-free
// stack synthesis in userland_linux_amd64.go depends on amd64 register and
// auxv layout. Run falls back to exec-mode when this returns unsupported.
func runUserland(inv *Invocation, callerArgs []string, env []string) error {
	return &unsupportedError{msg: "userland-execve launcher mode requires linux/amd64"}
}
