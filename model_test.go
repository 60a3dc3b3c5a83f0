package sidebundle

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestTraceReportRecordUnion(t *testing.T) {
	r := NewTraceReport()
	r.Record("/lib/libc.so.6", AccessOpen)
	r.Record("/lib/libc.so.6", AccessStat)
	r.Record("/lib/libc.so.6", AccessOpen) // recording the same flag twice is a no-op

	got := r.Paths["/lib/libc.so.6"]
	want := AccessOpen | AccessStat
	if got != want {
		t.Errorf("Paths[...] = %v, want %v", got, want)
	}
}

func TestTraceReportMergeCommutative(t *testing.T) {
	a := NewTraceReport()
	a.Record("/a", AccessOpen)
	b := NewTraceReport()
	b.Record("/a", AccessExec)
	b.Record("/b", AccessStat)

	ab := NewTraceReport()
	ab.Merge(a)
	ab.Merge(b)

	ba := NewTraceReport()
	ba.Merge(b)
	ba.Merge(a)

	if diff := cmp.Diff(ab.Paths, ba.Paths); diff != "" {
		t.Errorf("Merge is not commutative (-a-then-b +b-then-a):\n%s", diff)
	}
	if ab.Paths["/a"] != (AccessOpen | AccessExec) {
		t.Errorf("Paths[/a] = %v, want union of both reports' flags", ab.Paths["/a"])
	}
}

func TestTraceReportMergeNil(t *testing.T) {
	r := NewTraceReport()
	r.Record("/a", AccessLink)
	r.Merge(nil)
	if len(r.Paths) != 1 {
		t.Errorf("Merge(nil) changed the report: %v", r.Paths)
	}
}

func TestTraceAccessString(t *testing.T) {
	for _, test := range []struct {
		flags TraceAccess
		want  string
	}{
		{0, ""},
		{AccessOpen, "OPEN"},
		{AccessOpen | AccessExec, "OPEN|EXEC"},
		{AccessOpen | AccessExec | AccessStat | AccessLink, "OPEN|EXEC|STAT|LINK"},
	} {
		if got := test.flags.String(); got != test.want {
			t.Errorf("TraceAccess(%d).String() = %q, want %q", test.flags, got, test.want)
		}
	}
}

func TestLauncherConfigJSONRoundTrip(t *testing.T) {
	linker := "payload/lib64/ld-linux-x86-64.so.2"
	cfg := LauncherConfig{
		Dynamic:      true,
		Binary:       "payload/opt/app/bin/server",
		Linker:       &linker,
		LibraryPaths: []string{"payload/opt/app/lib"},
	}

	encoded, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded LauncherConfig
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if diff := cmp.Diff(cfg, decoded); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}

	reencoded, err := json.MarshalIndent(decoded, "", "  ")
	if err != nil {
		t.Fatalf("re-Marshal: %v", err)
	}
	if string(reencoded) != string(encoded) {
		t.Errorf("MarshalIndent is not stable across a round trip:\nfirst:  %s\nsecond: %s", encoded, reencoded)
	}
}

func TestLauncherConfigStaticOmitsLinker(t *testing.T) {
	cfg := LauncherConfig{Dynamic: false, Binary: "payload/app"}
	encoded, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded LauncherConfig
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Linker != nil {
		t.Errorf("Linker = %v, want nil for a static config", *decoded.Linker)
	}
}
