package manifest

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/sidebundle/sidebundle"
)

func TestDecodeAndToBundleSpec(t *testing.T) {
	const doc = `{
		"name": "myapp",
		"entries": [
			{"path": "/opt/app/bin/server", "name": "server"},
			{"path": "/opt/app/bin/worker", "name": "worker"}
		]
	}`

	m, err := Decode(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if m.Name != "myapp" {
		t.Errorf("Name = %q, want myapp", m.Name)
	}
	if len(m.Entries) != 2 {
		t.Fatalf("len(Entries) = %d, want 2", len(m.Entries))
	}

	spec := m.ToBundleSpec()
	want := &sidebundle.BundleSpec{
		Name:   "myapp",
		Target: sidebundle.LinuxAMD64,
		Entries: []sidebundle.BundleEntry{
			{HostPath: "/opt/app/bin/server", DisplayName: "server"},
			{HostPath: "/opt/app/bin/worker", DisplayName: "worker"},
		},
	}
	if diff := cmp.Diff(want, spec); diff != "" {
		t.Errorf("ToBundleSpec mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeEmptyEntries(t *testing.T) {
	m, err := Decode(strings.NewReader(`{"name": "empty", "entries": []}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	spec := m.ToBundleSpec()
	if len(spec.Entries) != 0 {
		t.Errorf("Entries = %v, want none", spec.Entries)
	}
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Decode(strings.NewReader(`{not json`))
	if err == nil {
		t.Fatal("Decode(malformed) = nil error, want a failure")
	}
}
