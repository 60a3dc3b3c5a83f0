//go:build linux && amd64

package launcher

import (
	"encoding/binary"
	"testing"
)

func TestBuildStackAlignmentAndTermination(t *testing.T) {
	region := make([]byte, 64*1024)
	regionBase := uintptr(0x7f0000000000) // synthetic; buildStack never dereferences it

	auxv := map[uint64]uint64{
		atSecure: 0,
		atClktck: 100,
		atHwcap:  0xbfebfbff,
		atEgid:   1000,
		atGid:    1000,
		atEuid:   1000,
		atUid:    1000,
		atFlags:  0,
		atBase:   0,
		atPagesz: 4096,
	}

	sp, err := buildStack(
		region, regionBase,
		"/opt/app/bin/server",
		[]string{"/opt/app/bin/server", "--flag"},
		[]string{"PATH=/usr/bin", "HOME=/root"},
		"x86_64",
		[16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		auxv,
		0x400000, 0x400040, 7, 56,
	)
	if err != nil {
		t.Fatalf("buildStack: %v", err)
	}

	if sp%16 != 0 {
		t.Errorf("stack pointer %#x is not 16-byte aligned", sp)
	}

	off := int(sp - regionBase)
	if off < 0 || off >= len(region) {
		t.Fatalf("stack pointer %#x outside region [base=%#x, +%d]", sp, regionBase, len(region))
	}

	argc := binary.LittleEndian.Uint64(region[off : off+8])
	if argc != 2 {
		t.Errorf("argc at sp = %d, want 2", argc)
	}
}

func TestBuildStackRejectsUndersizedRegion(t *testing.T) {
	region := make([]byte, 8) // far too small for even one pushed string
	regionBase := uintptr(0x7f0000000000)

	_, err := buildStack(
		region, regionBase,
		"/opt/app/bin/server",
		[]string{"/opt/app/bin/server"},
		nil,
		"x86_64",
		[16]byte{},
		map[uint64]uint64{},
		0x400000, 0x400040, 1, 56,
	)
	if err == nil {
		t.Fatal("buildStack into an undersized region should fail, got nil error")
	}
}

func TestStackBuilderPushPrependsInOrder(t *testing.T) {
	b := &stackBuilder{top: 0x1000}
	firstAddr := b.push([]byte{0xAA})
	secondAddr := b.push([]byte{0xBB, 0xCC})

	// Whatever is pushed first ends up at the highest address (top-down
	// layout): the second push must produce a lower address.
	if secondAddr >= firstAddr {
		t.Errorf("second push address %#x should be lower than first push address %#x", secondAddr, firstAddr)
	}
	if len(b.buf) != 3 {
		t.Fatalf("len(buf) = %d, want 3", len(b.buf))
	}
	// Natural order preserved: second push's bytes lead the buffer.
	if b.buf[0] != 0xBB || b.buf[1] != 0xCC || b.buf[2] != 0xAA {
		t.Errorf("buf = % x, want [BB CC AA]", b.buf)
	}
}
