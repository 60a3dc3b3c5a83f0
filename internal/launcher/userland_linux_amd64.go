//go:build linux && amd64

package launcher

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/sidebundle/sidebundle"
)

// Auxiliary vector tags used by the canonical ordering the launcher
// reconstructs. Values match the fixed Linux/glibc assignments; do not add
// tags beyond these.
const (
	atNull     = 0
	atPhdr     = 3
	atPhent    = 4
	atPhnum    = 5
	atBase     = 7
	atFlags    = 8
	atEntry    = 9
	atPagesz   = 6
	atUid      = 11
	atEuid     = 12
	atGid      = 13
	atEgid     = 14
	atPlatform = 15
	atHwcap    = 16
	atClktck   = 17
	atSecure   = 23
	atRandom   = 25
	atExecfn   = 31
)

// stackRegionSize is the fixed 10 MiB stack region the launcher maps before
// building argv/envp/auxv onto it.
const stackRegionSize = 10 * 1024 * 1024

const pageSize = 4096

// jumpToEntry sets RSP to sp, clears every other general-purpose register
// and jumps to entry. Implemented in jump_linux_amd64.s; it never returns.
// This is the Go analogue of the processor state a kernel execve(2)
// establishes for a freshly-started program, which is why everything after
// the call is unreachable: there is no Go frame to return into once entry
// runs, just as there would be none after a real execve.
func jumpToEntry(sp, entry uintptr)

type mappedELF struct {
	loadBias  uintptr
	entry     uintptr
	phdrAddr  uintptr
	phnum     int
	phentsize int
}

// elf64Header mirrors Elf64_Ehdr. debug/elf does not expose e_phoff/e_phnum
// on its parsed File, so the raw header is read separately to recover them.
type elf64Header struct {
	Ident                       [16]byte
	Type, Machine               uint16
	Version                     uint32
	Entry, Phoff, Shoff         uint64
	Flags                       uint32
	Ehsize, Phentsize, Phnum    uint16
	Shentsize, Shnum, Shstrndx  uint16
}

func roundUp(n, align int) int { return (n + align - 1) &^ (align - 1) }

func segProt(flags elf.ProgFlag) int {
	var prot int
	if flags&elf.PF_R != 0 {
		prot |= unix.PROT_READ
	}
	if flags&elf.PF_W != 0 {
		prot |= unix.PROT_WRITE
	}
	if flags&elf.PF_X != 0 {
		prot |= unix.PROT_EXEC
	}
	return prot
}

// mmapFixed wraps the raw mmap(2) syscall because golang.org/x/sys/unix's
// Mmap helper never lets the caller choose an address, and MAP_FIXED
// placement at a precomputed load-bias offset is exactly what ELF segment
// loading needs.
func mmapFixed(addr uintptr, length, prot, flags, fd int, offset int64) error {
	if length == 0 {
		return nil
	}
	got, _, errno := unix.Syscall6(unix.SYS_MMAP, addr, uintptr(length), uintptr(prot), uintptr(flags), uintptr(fd), uintptr(offset))
	if errno != 0 {
		return errno
	}
	if got != addr {
		unix.Syscall(unix.SYS_MUNMAP, got, uintptr(length), 0)
		return fmt.Errorf("mmap at %#x returned %#x: MAP_FIXED not honored", addr, got)
	}
	return nil
}

func mapSegment(fd int, p *elf.Prog, bias uintptr) error {
	segAddr := bias + uintptr(p.Vaddr)
	aligned := segAddr &^ uintptr(pageSize-1)
	pageOff := int(segAddr - aligned)
	fileLen := pageOff + int(p.Filesz)
	memLen := pageOff + int(p.Memsz)
	prot := segProt(p.Flags)

	if p.Filesz == 0 {
		return mmapFixed(aligned, roundUp(memLen, pageSize), prot, unix.MAP_PRIVATE|unix.MAP_FIXED|unix.MAP_ANONYMOUS, -1, 0)
	}

	fileOff := int64(p.Off) - int64(pageOff)
	mapped := roundUp(fileLen, pageSize)
	if err := mmapFixed(aligned, mapped, prot, unix.MAP_PRIVATE|unix.MAP_FIXED, fd, fileOff); err != nil {
		return err
	}
	// Bytes between the file's own EOF and the end of its last page are
	// zero-filled by the kernel automatically; any further whole pages of
	// pure BSS still need an explicit anonymous mapping.
	if memLen > mapped {
		extra := roundUp(memLen, pageSize) - mapped
		if err := mmapFixed(aligned+uintptr(mapped), extra, prot, unix.MAP_PRIVATE|unix.MAP_FIXED|unix.MAP_ANONYMOUS, -1, 0); err != nil {
			return err
		}
	}
	return nil
}

// loadImage maps every PT_LOAD segment of path into this process's address
// space and reports the values the auxiliary vector needs to describe it.
func loadImage(path string) (*mappedELF, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, sidebundle.Io(path, err)
	}
	defer f.Close()

	var hdr elf64Header
	if err := binary.Read(f, binary.LittleEndian, &hdr); err != nil {
		return nil, sidebundle.Io(path, err)
	}

	ef, err := elf.NewFile(f)
	if err != nil {
		return nil, sidebundle.Io(path, err)
	}
	defer ef.Close()

	var loads []*elf.Prog
	minVaddr := ^uint64(0)
	var maxVaddr uint64
	for _, p := range ef.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		loads = append(loads, p)
		if p.Vaddr < minVaddr {
			minVaddr = p.Vaddr
		}
		if end := p.Vaddr + p.Memsz; end > maxVaddr {
			maxVaddr = end
		}
	}
	if len(loads) == 0 {
		return nil, fmt.Errorf("%s: no PT_LOAD segments", path)
	}

	alignedMin := minVaddr &^ uint64(pageSize-1)
	span := int(maxVaddr - alignedMin)

	var bias uintptr
	if ef.Type == elf.ET_DYN {
		reservation, err := unix.Mmap(-1, 0, span, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
		if err != nil {
			return nil, fmt.Errorf("%s: reserve load region: %w", path, err)
		}
		bias = uintptr(unsafe.Pointer(&reservation[0])) - uintptr(alignedMin)
	}

	fd := int(f.Fd())
	for _, p := range loads {
		if err := mapSegment(fd, p, bias); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}

	return &mappedELF{
		loadBias:  bias,
		entry:     bias + uintptr(hdr.Entry),
		phdrAddr:  bias + uintptr(hdr.Phoff),
		phnum:     int(hdr.Phnum),
		phentsize: int(hdr.Phentsize),
	}, nil
}

func readProcSelfAuxv() (map[uint64]uint64, error) {
	data, err := os.ReadFile("/proc/self/auxv")
	if err != nil {
		return nil, sidebundle.Io("/proc/self/auxv", err)
	}
	m := make(map[uint64]uint64, len(data)/16)
	for i := 0; i+16 <= len(data); i += 16 {
		tag := binary.LittleEndian.Uint64(data[i : i+8])
		val := binary.LittleEndian.Uint64(data[i+8 : i+16])
		if tag == atNull {
			break
		}
		m[tag] = val
	}
	return m, nil
}

// cStringAt and bytesAt dereference pointers taken from this process's own
// live auxiliary vector (AT_PLATFORM, AT_RANDOM): valid addresses in our own
// address space, supplied by the kernel at our own process start and never
// unmapped since.
func cStringAt(addr uint64) string {
	if addr == 0 {
		return ""
	}
	p := unsafe.Pointer(uintptr(addr))
	n := 0
	for *(*byte)(unsafe.Pointer(uintptr(p) + uintptr(n))) != 0 {
		n++
	}
	return string(unsafe.Slice((*byte)(p), n))
}

func bytesAt(addr uint64, n int) []byte {
	out := make([]byte, n)
	if addr == 0 {
		return out
	}
	copy(out, unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), n))
	return out
}

// auxPair is one (tag, value) entry in the auxiliary vector's fixed order.
type auxPair struct {
	tag, val uint64
}

// stackBuilder assembles the launcher's synthesized stack by prepending
// each item's natural-order bytes ahead of what came before: whatever is
// pushed first ends up at the highest address, building the stack top-down
// without a separate reversal pass.
type stackBuilder struct {
	buf []byte
	top uintptr
}

func (b *stackBuilder) push(raw []byte) uintptr {
	next := make([]byte, len(raw)+len(b.buf))
	copy(next, raw)
	copy(next[len(raw):], b.buf)
	b.buf = next
	return b.top - uintptr(len(b.buf))
}

func (b *stackBuilder) pushStr(s string) uintptr {
	return b.push(append([]byte(s), 0))
}

func (b *stackBuilder) pushWord(v uint64) uintptr {
	var raw [8]byte
	binary.LittleEndian.PutUint64(raw[:], v)
	return b.push(raw[:])
}

// buildStack lays out argv, envp and the auxiliary vector into region
// (whose base address is regionBase) and returns the resulting stack
// pointer.
func buildStack(region []byte, regionBase uintptr, path string, argv, env []string, platform string, random [16]byte, auxv map[uint64]uint64, entryAddr, phdrAddr uintptr, phnum, phentsize int) (uintptr, error) {
	b := &stackBuilder{top: regionBase + uintptr(len(region))}

	pathAddr := b.pushStr(path)

	envAddrs := make([]uintptr, 0, len(env))
	for i := len(env) - 1; i >= 0; i-- {
		envAddrs = append(envAddrs, b.pushStr(env[i]))
	}

	argAddrs := make([]uintptr, 0, len(argv))
	for i := len(argv) - 1; i >= 0; i-- {
		argAddrs = append(argAddrs, b.pushStr(argv[i]))
	}

	platformAddr := b.pushStr(platform)
	randomAddr := b.push(random[:])

	for (len(b.buf)+(len(argAddrs)+len(envAddrs)+3)*8)%16 != 0 {
		b.push([]byte{0})
	}

	entries := []auxPair{
		{atPlatform, uint64(platformAddr)},
		{atExecfn, uint64(pathAddr)},
		{atSecure, auxv[atSecure]},
		{atRandom, uint64(randomAddr)},
		{atClktck, auxv[atClktck]},
		{atHwcap, auxv[atHwcap]},
		{atEgid, auxv[atEgid]},
		{atGid, auxv[atGid]},
		{atEuid, auxv[atEuid]},
		{atUid, auxv[atUid]},
		{atEntry, uint64(entryAddr)},
		{atFlags, auxv[atFlags]},
		{atBase, auxv[atBase]},
		{atPagesz, auxv[atPagesz]},
		{atPhnum, uint64(phnum)},
		{atPhent, uint64(phentsize)},
		{atPhdr, uint64(phdrAddr)},
	}

	b.pushWord(0)
	b.pushWord(atNull)
	for _, e := range entries {
		b.pushWord(e.val)
		b.pushWord(e.tag)
	}

	b.pushWord(0)
	for _, a := range envAddrs {
		b.pushWord(uint64(a))
	}

	b.pushWord(0)
	for _, a := range argAddrs {
		b.pushWord(uint64(a))
	}

	b.pushWord(uint64(len(argv)))

	if len(b.buf) > len(region) {
		return 0, fmt.Errorf("synthesized stack (%d bytes) exceeds %d byte region", len(b.buf), len(region))
	}
	copy(region[len(region)-len(b.buf):], b.buf)
	return b.top - uintptr(len(b.buf)), nil
}

// runUserland implements userland-execve mode: map the target binary (and
// its interpreter, if dynamic) into this process, synthesize a fresh stack
// replaying the traced process's recorded environment and auxiliary
// vector, and jump to the interpreter's entry (or the binary's, if static)
// without a kernel execve.
func runUserland(inv *Invocation, callerArgs []string, env []string) error {
	meta := inv.Config.Metadata

	binPath := binaryPath(inv)
	binImg, err := loadImage(binPath)
	if err != nil {
		return err
	}

	entryAddr := binImg.entry
	var interpBase uint64
	if inv.Config.Dynamic {
		interpImg, err := loadImage(linkerPath(inv))
		if err != nil {
			return err
		}
		entryAddr = interpImg.entry
		interpBase = uint64(interpImg.loadBias)
	}

	live, err := readProcSelfAuxv()
	if err != nil {
		return err
	}

	platform := cStringAt(live[atPlatform])
	if meta.Platform != nil {
		platform = *meta.Platform
	}

	var random [16]byte
	copy(random[:], bytesAt(live[atRandom], 16))
	if meta.Random != nil {
		random = *meta.Random
	}

	auxv := map[uint64]uint64{
		atSecure: live[atSecure],
		atClktck: live[atClktck],
		atHwcap:  live[atHwcap],
		atEgid:   uint64(os.Getegid()),
		atGid:    uint64(os.Getgid()),
		atEuid:   uint64(os.Geteuid()),
		atUid:    uint64(os.Getuid()),
		atFlags:  0,
		atBase:   interpBase,
		atPagesz: uint64(unix.Getpagesize()),
	}
	if meta.Auxv != nil {
		for _, e := range meta.Auxv {
			auxv[e.Key] = e.Value
		}
	}

	argv := append([]string{binPath}, callerArgs...)

	region, err := unix.Mmap(-1, 0, stackRegionSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_GROWSDOWN|unix.MAP_STACK)
	if err != nil {
		return fmt.Errorf("mmap launcher stack: %w", err)
	}
	regionBase := uintptr(unsafe.Pointer(&region[0]))

	sp, err := buildStack(region, regionBase, binPath, argv, env, platform, random, auxv, entryAddr, binImg.phdrAddr, binImg.phnum, binImg.phentsize)
	if err != nil {
		return err
	}

	jumpToEntry(sp, entryAddr)
	panic("unreachable: jumpToEntry does not return")
}
