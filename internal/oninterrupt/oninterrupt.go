// Package oninterrupt runs last-chance cleanup callbacks on SIGINT, for
// state that must be removed even if the process is killed before its
// normal cleanup path runs — e.g. a still-attached internal/image.Root's
// extracted filesystem. It complements sidebundle.InterruptibleContext
// (context-based cancellation for code that can select on ctx.Done()) for
// callers, like the CLI's top level, that only need "run this before we
// exit" rather than cooperative cancellation.
package oninterrupt

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
)

var (
	onInterruptMu sync.Mutex
	onInterrupt   []func()
)

func init() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	go func() {
		sig := <-c
		onInterruptMu.Lock()
		for _, f := range onInterrupt {
			f()
		}
		onInterruptMu.Unlock()
		if s, ok := sig.(syscall.Signal); ok {
			os.Exit(128 + int(s))
		}
		os.Exit(1)
	}()
}

// Register adds cb to the list of callbacks run once, in registration
// order, when SIGINT arrives.
func Register(cb func()) {
	onInterruptMu.Lock()
	defer onInterruptMu.Unlock()
	onInterrupt = append(onInterrupt, cb)
}
