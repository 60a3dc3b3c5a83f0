// Package shim declares the self-extracting trailer format a bundle's
// shims/<display> files are specified to have, without implementing stub
// construction or self-extraction: this package ships only the data shapes
// an implementer would need to fill those in, over a tar+gzip archive of
// the bundle tree.
package shim

import (
	"encoding/binary"
	"fmt"
)

// Metadata is the JSON object embedded between the archive and the trailer.
type Metadata struct {
	BundleName         string `json:"bundle_name"`
	EntryName          string `json:"entry_name"`
	DefaultExtractPath string `json:"default_extract_path"`
	ArchiveSHA256      string `json:"archive_sha256"`
}

// DefaultExtractPath returns the conventional cache path for a bundle name.
func DefaultExtractPath(bundleName string) string {
	return fmt.Sprintf("~/.cache/sidebundle/%s", bundleName)
}

// Trailer is the fixed 16-byte little-endian footer appended after the
// archive bytes and the metadata JSON bytes: archive length, then metadata
// length, both uint64.
type Trailer struct {
	ArchiveLen  uint64
	MetadataLen uint64
}

// trailerSize is the on-disk size of a Trailer: two uint64s.
const trailerSize = 16

// Bytes encodes the trailer in the fixed little-endian layout the shim
// format requires.
func (t Trailer) Bytes() []byte {
	buf := make([]byte, trailerSize)
	binary.LittleEndian.PutUint64(buf[0:8], t.ArchiveLen)
	binary.LittleEndian.PutUint64(buf[8:16], t.MetadataLen)
	return buf
}

// ParseTrailer decodes the last 16 bytes of a shim file.
func ParseTrailer(tail []byte) (Trailer, error) {
	if len(tail) != trailerSize {
		return Trailer{}, fmt.Errorf("shim trailer must be %d bytes, got %d", trailerSize, len(tail))
	}
	return Trailer{
		ArchiveLen:  binary.LittleEndian.Uint64(tail[0:8]),
		MetadataLen: binary.LittleEndian.Uint64(tail[8:16]),
	}, nil
}

// ArchiveWriter builds the archive half of a shim's payload: a single
// compressed stream of the bundle tree plus its SHA-256 digest. Concrete
// construction (stub assembly, self-extraction) is out of scope; this
// interface is what a future implementation of that would consume.
type ArchiveWriter interface {
	// WriteArchive returns a compressed archive of root together with its
	// hex-encoded SHA-256 digest.
	WriteArchive(root string) (archive []byte, sha256Hex string, err error)
}
