package sidebundle

import "testing"

func TestInterruptibleContextCancelFunc(t *testing.T) {
	ctx, cancel := InterruptibleContext()
	defer cancel()

	select {
	case <-ctx.Done():
		t.Fatal("context canceled before cancel() was called")
	default:
	}

	cancel()
	select {
	case <-ctx.Done():
	default:
		t.Fatal("context not canceled after cancel()")
	}
}
