// Package manifest decodes an optional JSON manifest: a structured
// alternative to the CLI's positional binary-path arguments for naming
// entries explicitly instead of defaulting to entry-<index>.
package manifest

import (
	"encoding/json"
	"io"

	"github.com/sidebundle/sidebundle"
)

// Entry is one manifest-declared bundle entry.
type Entry struct {
	Path string `json:"path"`
	Name string `json:"name"`
}

// Manifest is the top-level JSON document: a bundle name and its entries.
type Manifest struct {
	Name    string  `json:"name"`
	Entries []Entry `json:"entries"`
}

// Decode parses a manifest from r.
func Decode(r io.Reader) (*Manifest, error) {
	var m Manifest
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return nil, sidebundle.Io("manifest", err)
	}
	return &m, nil
}

// ToBundleSpec converts a decoded manifest into the BundleSpec the closure
// builder and tracer consume.
func (m *Manifest) ToBundleSpec() *sidebundle.BundleSpec {
	spec := &sidebundle.BundleSpec{
		Name:   m.Name,
		Target: sidebundle.LinuxAMD64,
	}
	for _, e := range m.Entries {
		spec.Entries = append(spec.Entries, sidebundle.BundleEntry{
			HostPath:    e.Path,
			DisplayName: e.Name,
		})
	}
	return spec
}
