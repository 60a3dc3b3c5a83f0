// Package archive builds a single-file export of an assembled bundle tree:
// a cpio+gzip rendering of the payload tree, independent of the shim
// trailer archive in internal/shim, which declares a tar-based format
// instead.
package archive

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cavaliercoder/go-cpio"
	"github.com/klauspost/pgzip"
	"github.com/orcaman/writerseeker"

	"github.com/sidebundle/sidebundle"
)

type cpioWriter struct {
	wr   *cpio.Writer
	dirs map[string]bool
}

func newCPIOWriter(wr *cpio.Writer) *cpioWriter {
	return &cpioWriter{wr: wr, dirs: make(map[string]bool)}
}

func (c *cpioWriter) mkdir(dir string) error {
	if dir == "" || dir == "." {
		return nil
	}
	if c.dirs[dir+"/"] {
		return nil
	}
	parts := strings.Split(dir, "/")
	for idx := range parts {
		sub := strings.Join(parts[:idx+1], "/") + "/"
		if c.dirs[sub] {
			continue
		}
		c.dirs[sub] = true
		if err := c.wr.WriteHeader(&cpio.Header{Name: sub, Mode: cpio.ModeDir | 0o755}); err != nil {
			return err
		}
	}
	return nil
}

func (c *cpioWriter) writeFile(rel, abs string, info os.FileInfo) error {
	if err := c.mkdir(filepath.ToSlash(filepath.Dir(rel))); err != nil {
		return err
	}

	if info.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(abs)
		if err != nil {
			return sidebundle.Io(abs, err)
		}
		if err := c.wr.WriteHeader(&cpio.Header{
			Name: rel,
			Mode: cpio.ModeSymlink | 0o644,
			Size: int64(len(target)),
		}); err != nil {
			return err
		}
		_, err = c.wr.Write([]byte(target))
		return err
	}

	f, err := os.Open(abs)
	if err != nil {
		return sidebundle.Io(abs, err)
	}
	defer f.Close()

	if err := c.wr.WriteHeader(&cpio.Header{
		Name: rel,
		Mode: cpio.FileMode(info.Mode().Perm()),
		Size: info.Size(),
	}); err != nil {
		return err
	}
	_, err = io.Copy(c.wr, f)
	return err
}

// WriteCPIOGz walks root (an assembled bundle directory) and writes a
// gzip-compressed cpio archive of it to w, excluding the shims/ directory,
// which holds self-extracting artifacts that would make the export
// self-referential.
func WriteCPIOGz(root string, w io.Writer) error {
	buf := &writerseeker.WriterSeeker{}
	cw := newCPIOWriter(cpio.NewWriter(buf))

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}
		if rel == "shims" || strings.HasPrefix(rel, "shims/") {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() {
			return cw.mkdir(rel)
		}
		return cw.writeFile(rel, path, info)
	})
	if err != nil {
		return err
	}
	if err := cw.wr.Close(); err != nil {
		return err
	}

	zw := pgzip.NewWriter(w)
	if _, err := io.Copy(zw, buf.BytesReader()); err != nil {
		return err
	}
	return zw.Close()
}
