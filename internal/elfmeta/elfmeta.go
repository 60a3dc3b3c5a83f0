// Package elfmeta inspects ELF objects for the metadata the closure builder
// needs: interpreter, NEEDED SONAMEs, RPATH/RUNPATH and SONAME. It is a pure
// function of file contents, using debug/elf's DynString/ImportedLibraries
// and direct PT_INTERP/section reading.
package elfmeta

import (
	"bytes"
	"debug/elf"
	"fmt"
	"os"
	"sync"

	"github.com/sidebundle/sidebundle"
)

// NotELFError is returned when path does not start with the ELF magic
// number.
type NotELFError struct{ Path string }

func (e *NotELFError) Error() string { return fmt.Sprintf("%s: not an ELF object", e.Path) }

// ParseError wraps a malformed-ELF error from debug/elf with the path that
// triggered it.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string { return fmt.Sprintf("%s: parse: %v", e.Path, e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

func hasELFMagic(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, sidebundle.Io(path, err)
	}
	defer f.Close()
	var hdr [4]byte
	if _, err := f.Read(hdr[:]); err != nil {
		// Files shorter than 4 bytes are not ELF, not a read failure.
		return false, nil
	}
	return bytes.Equal(hdr[:], elfMagic), nil
}

func sectionContents(s *elf.Section) (string, bool) {
	if s == nil {
		return "", false
	}
	b, err := s.Data()
	if err != nil {
		return "", false
	}
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b), true
}

// Inspect parses path and extracts interpreter, NEEDED, RPATH, RUNPATH and
// SONAME. It returns *NotELFError if path is not an ELF object and
// *ParseError on malformed ELF structures; both are returned as plain errors
// (not *sidebundle.IOError) so callers can type-switch on them.
func Inspect(path string) (*sidebundle.ElfMetadata, error) {
	ok, err := hasELFMagic(path)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &NotELFError{Path: path}
	}

	f, err := elf.Open(path)
	if err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	defer f.Close()

	meta := &sidebundle.ElfMetadata{}

	if interp, ok := sectionContents(f.Section(".interp")); ok {
		meta.Interpreter = interp
	}

	if needed, err := f.ImportedLibraries(); err != nil {
		return nil, &ParseError{Path: path, Err: err}
	} else {
		meta.Needed = needed
	}

	if rpath, err := f.DynString(elf.DT_RPATH); err != nil {
		return nil, &ParseError{Path: path, Err: err}
	} else {
		meta.RPaths = rpath
	}

	if runpath, err := f.DynString(elf.DT_RUNPATH); err != nil {
		return nil, &ParseError{Path: path, Err: err}
	} else {
		meta.RunPaths = runpath
	}

	if soname, err := f.DynString(elf.DT_SONAME); err != nil {
		return nil, &ParseError{Path: path, Err: err}
	} else if len(soname) > 0 {
		meta.SOName = soname[0]
	}

	return meta, nil
}

// Cache memoizes Inspect by canonical path for the duration of one build.
type Cache struct {
	mu sync.Mutex
	m  map[string]*cacheEntry
}

type cacheEntry struct {
	meta *sidebundle.ElfMetadata
	err  error
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{m: make(map[string]*cacheEntry)}
}

// Inspect returns the cached metadata for path, inspecting it on first use.
// path must already be canonical; the cache does not resolve symlinks.
func (c *Cache) Inspect(path string) (*sidebundle.ElfMetadata, error) {
	c.mu.Lock()
	entry, ok := c.m[path]
	c.mu.Unlock()
	if ok {
		return entry.meta, entry.err
	}

	meta, err := Inspect(path)

	c.mu.Lock()
	c.m[path] = &cacheEntry{meta: meta, err: err}
	c.mu.Unlock()

	return meta, err
}
