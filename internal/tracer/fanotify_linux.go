//go:build linux && amd64

package tracer

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/sidebundle/sidebundle"
)

const (
	fanotifyPollInterval  = 10 * time.Millisecond
	fanotifyIdleDrainTick = 5
)

// fanotifyEventMetadata mirrors struct fanotify_event_metadata from
// linux/fanotify.h. Its fields are already naturally aligned to 24 bytes on
// amd64, so binary.Read needs no padding tricks.
type fanotifyEventMetadata struct {
	EventLen    uint32
	Vers        uint8
	Reserved    uint8
	MetadataLen uint16
	Mask        uint64
	Fd          int32
	Pid         int32
}

const fanotifyMetadataLen = 24

// FanotifyBackend is the filesystem-notification tracer backend. It never
// decodes a syscall; it asks the kernel for a feed of FAN_OPEN/FAN_OPEN_EXEC
// events scoped to the whole filesystem the target lives on.
type FanotifyBackend struct{}

// NewFanotifyBackend returns a ready-to-use fanotify backend.
func NewFanotifyBackend() *FanotifyBackend { return &FanotifyBackend{} }

// Trace runs inv to completion, watching fanotify events on the filesystem
// mark for its whole lifetime plus a short drain window after exit.
func (b *FanotifyBackend) Trace(ctx context.Context, inv Invocation) (*sidebundle.TraceReport, error) {
	if !archSupported {
		return nil, &Unsupported{Msg: "fanotify backend: unsupported architecture"}
	}

	fanFd, err := unix.FanotifyInit(unix.FAN_CLOEXEC|unix.FAN_CLASS_NOTIF|unix.FAN_NONBLOCK, uint(os.O_RDONLY))
	if err != nil {
		return nil, &FanotifyError{Msg: fmt.Sprintf("fanotify_init: %v", err)}
	}
	defer unix.Close(fanFd)

	mask := uint64(unix.FAN_OPEN | unix.FAN_OPEN_EXEC | unix.FAN_EVENT_ON_CHILD)
	markPath := "/"
	if inv.Root != "" {
		markPath = inv.Root
	}
	if err := unix.FanotifyMark(fanFd, unix.FAN_MARK_ADD|unix.FAN_MARK_FILESYSTEM, mask, -1, markPath); err != nil {
		return nil, &FanotifyError{Msg: fmt.Sprintf("fanotify_mark: %v", err)}
	}

	if len(inv.Argv) == 0 {
		return nil, &UnexpectedExit{Msg: "fanotify backend: empty argv"}
	}
	cmd := exec.Command(inv.Argv[0], inv.Argv[1:]...)
	cmd.Env = mergedEnv(inv.Env)
	if inv.Root != "" {
		cmd.SysProcAttr = &syscall.SysProcAttr{Chroot: inv.Root}
	}
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, sidebundle.Io(inv.Argv[0], err)
	}

	done := make(chan struct{})
	go func() {
		cmd.Wait()
		close(done)
	}()

	report := sidebundle.NewTraceReport()
	buf := make([]byte, 4096)
	ticker := time.NewTicker(fanotifyPollInterval)
	defer ticker.Stop()

	exited := false
	idle := 0

	for {
		select {
		case <-done:
			exited = true
		case <-ticker.C:
		case <-ctx.Done():
			cmd.Process.Kill()
			return report, ctx.Err()
		}

		got, err := drainFanotify(fanFd, buf, report)
		if err != nil {
			return nil, err
		}

		if exited {
			if got {
				idle = 0
			} else {
				idle++
			}
			if idle >= fanotifyIdleDrainTick {
				return report, nil
			}
		}
	}
}

// drainFanotify reads every event currently queued on fanFd without
// blocking, reporting whether at least one event was seen.
func drainFanotify(fanFd int, buf []byte, report *sidebundle.TraceReport) (bool, error) {
	got := false
	for {
		n, err := unix.Read(fanFd, buf)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return got, nil
			}
			return got, &FanotifyError{Msg: fmt.Sprintf("fanotify read: %v", err)}
		}
		if n <= 0 {
			return got, nil
		}

		r := bytes.NewReader(buf[:n])
		for r.Len() >= fanotifyMetadataLen {
			var ev fanotifyEventMetadata
			if err := binary.Read(r, binary.LittleEndian, &ev); err != nil {
				return got, &FanotifyError{Msg: fmt.Sprintf("fanotify decode: %v", err)}
			}
			got = true
			recordFanotifyEvent(ev, report)
		}
	}
}

func recordFanotifyEvent(ev fanotifyEventMetadata, report *sidebundle.TraceReport) {
	if ev.Fd < 0 {
		return
	}
	defer unix.Close(int(ev.Fd))

	path, err := os.Readlink(fmt.Sprintf("/proc/self/fd/%d", ev.Fd))
	if err != nil {
		return
	}

	var access sidebundle.TraceAccess
	if ev.Mask&unix.FAN_OPEN_EXEC != 0 {
		access |= sidebundle.AccessExec
	}
	if ev.Mask&unix.FAN_OPEN != 0 {
		access |= sidebundle.AccessOpen
	}
	if access == 0 {
		return
	}
	report.Record(path, access)
}
