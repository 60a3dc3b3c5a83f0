package sidebundle

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// InterruptibleContext returns a context which is canceled on SIGINT or
// SIGTERM. Callers that own a tracee tree should select on ctx.Done() and
// forward the shutdown to every live pid they hold.
func InterruptibleContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		// A second signal terminates immediately, in case shutdown hangs
		// (e.g. a tracee ignoring SIGTERM under ptrace).
		signal.Stop(sig)
		cancel()
	}()
	return ctx, cancel
}
