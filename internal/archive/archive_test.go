package archive

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/cavaliercoder/go-cpio"
	"github.com/klauspost/pgzip"
)

func TestWriteCPIOGzRoundTrip(t *testing.T) {
	root := t.TempDir()
	mustWrite := func(rel, contents string) {
		path := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	mustWrite("payload/opt/app/bin/server", "binary")
	mustWrite("payload/opt/app/lib/libfoo.so", "library")
	mustWrite("shims/server", "this must not appear in the export")

	var out bytes.Buffer
	if err := WriteCPIOGz(root, &out); err != nil {
		t.Fatalf("WriteCPIOGz: %v", err)
	}

	zr, err := pgzip.NewReader(&out)
	if err != nil {
		t.Fatalf("pgzip.NewReader: %v", err)
	}
	defer zr.Close()

	cr := cpio.NewReader(zr)
	names := map[string]string{}
	for {
		hdr, err := cr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("cpio.Next: %v", err)
		}
		if hdr.Mode.IsDir() {
			continue
		}
		buf, err := io.ReadAll(cr)
		if err != nil {
			t.Fatalf("reading cpio entry %s: %v", hdr.Name, err)
		}
		names[hdr.Name] = string(buf)
	}

	if names["payload/opt/app/bin/server"] != "binary" {
		t.Errorf("payload/opt/app/bin/server = %q, want binary", names["payload/opt/app/bin/server"])
	}
	if names["payload/opt/app/lib/libfoo.so"] != "library" {
		t.Errorf("payload/opt/app/lib/libfoo.so = %q, want library", names["payload/opt/app/lib/libfoo.so"])
	}
	if _, ok := names["shims/server"]; ok {
		t.Errorf("shims/server present in the export, want it excluded")
	}
}

func TestWriteCPIOGzEmptyTree(t *testing.T) {
	root := t.TempDir()
	var out bytes.Buffer
	if err := WriteCPIOGz(root, &out); err != nil {
		t.Fatalf("WriteCPIOGz(empty tree): %v", err)
	}
	if out.Len() == 0 {
		t.Error("WriteCPIOGz(empty tree) produced no output, want at least a valid empty gzip stream")
	}
}
