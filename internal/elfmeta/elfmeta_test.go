package elfmeta

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func findDynamicELF(t *testing.T) string {
	t.Helper()
	for _, candidate := range []string{"/bin/true", "/usr/bin/true", "/bin/ls", "/usr/bin/ls"} {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	t.Skip("no dynamic ELF binary found to test against")
	return ""
}

func TestInspectDynamicBinary(t *testing.T) {
	path := findDynamicELF(t)

	meta, err := Inspect(path)
	if err != nil {
		t.Fatalf("Inspect(%s) = %v", path, err)
	}
	if meta.Interpreter == "" {
		t.Errorf("Interpreter = %q, want a PT_INTERP path for a dynamic binary", meta.Interpreter)
	}
	if !strings.Contains(meta.Interpreter, "ld-linux") && !strings.Contains(meta.Interpreter, "ld.so") {
		t.Errorf("Interpreter = %q, want something naming the dynamic linker", meta.Interpreter)
	}
	found := false
	for _, n := range meta.Needed {
		if strings.HasPrefix(n, "libc.so") {
			found = true
		}
	}
	if !found {
		t.Errorf("Needed = %v, want libc.so.* among NEEDED entries", meta.Needed)
	}
}

func TestInspectNotELF(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "not-elf")
	if err := os.WriteFile(path, []byte("#!/bin/sh\necho hi\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	_, err := Inspect(path)
	if _, ok := err.(*NotELFError); !ok {
		t.Fatalf("Inspect(%s) error = %v (%T), want *NotELFError", path, err, err)
	}
}

func TestInspectTruncatedELF(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "truncated")
	if err := os.WriteFile(path, []byte{0x7f, 'E', 'L', 'F'}, 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Inspect(path)
	if _, ok := err.(*ParseError); !ok {
		t.Fatalf("Inspect(%s) error = %v (%T), want *ParseError", path, err, err)
	}
}

func TestCacheMemoizes(t *testing.T) {
	path := findDynamicELF(t)
	c := NewCache()

	first, err := c.Inspect(path)
	if err != nil {
		t.Fatalf("first Inspect: %v", err)
	}
	second, err := c.Inspect(path)
	if err != nil {
		t.Fatalf("second Inspect: %v", err)
	}
	if first != second {
		t.Errorf("Cache.Inspect returned different *ElfMetadata pointers for the same path: %p vs %p", first, second)
	}
}

func TestCacheMemoizesErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "not-elf")
	if err := os.WriteFile(path, []byte("plain text"), 0o644); err != nil {
		t.Fatal(err)
	}
	c := NewCache()

	_, err1 := c.Inspect(path)
	_, err2 := c.Inspect(path)
	if err1 == nil || err2 == nil {
		t.Fatalf("expected both calls to fail, got err1=%v err2=%v", err1, err2)
	}
	if err1.Error() != err2.Error() {
		t.Errorf("cached error changed between calls: %v vs %v", err1, err2)
	}
}
