// Copyright 2026 The Caisson Authors
// SPDX-License-Identifier: Apache-2.0

package manifest

import (
	"bytes"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/caisson-foundation/caisson/sysroot"
)

func writeManifest(t *testing.T, dir, content string, compress bool) string {
	t.Helper()
	path := filepath.Join(dir, "manifest.mtree")
	data := []byte(content)
	if compress {
		path += ".gz"
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		if _, err := gz.Write(data); err != nil {
			t.Fatalf("gzip: %v", err)
		}
		if err := gz.Close(); err != nil {
			t.Fatalf("gzip close: %v", err)
		}
		data = buf.Bytes()
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("writing manifest: %v", err)
	}
	return path
}

func openRoot(t *testing.T, dir string) *sysroot.Root {
	t.Helper()
	root, err := sysroot.Open(dir)
	if err != nil {
		t.Fatalf("sysroot.Open: %v", err)
	}
	t.Cleanup(func() { root.Close() })
	return root
}

const roundTripManifest = `#mtree
. type=dir
./d type=dir
./d/f type=file mode=644 size=0
`

func TestApplyRoundTrip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		target := t.TempDir()
		manifestPath := writeManifest(t, t.TempDir(), roundTripManifest, compress)
		root := openRoot(t, target)

		if err := Apply(manifestPath, root, ApplyOptions{}); err != nil {
			t.Fatalf("Apply (compress=%v): %v", compress, err)
		}

		st, err := os.Stat(filepath.Join(target, "d"))
		if err != nil || !st.IsDir() {
			t.Fatalf("d: %v", err)
		}
		if st.Mode().Perm() != 0o755 {
			t.Errorf("d mode = %o, want 755", st.Mode().Perm())
		}
		st, err = os.Stat(filepath.Join(target, "d", "f"))
		if err != nil {
			t.Fatalf("d/f: %v", err)
		}
		if st.Size() != 0 || st.Mode().Perm() != 0o644 {
			t.Errorf("d/f size=%d mode=%o", st.Size(), st.Mode().Perm())
		}

		// Re-applying is a no-op.
		if err := Apply(manifestPath, root, ApplyOptions{}); err != nil {
			t.Fatalf("re-Apply: %v", err)
		}
	}
}

func TestApplyHardLinkPreference(t *testing.T) {
	sourceDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(sourceDir, "usr"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(sourceDir, "usr", "data"), []byte("payload"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	target := t.TempDir()
	manifestPath := writeManifest(t, t.TempDir(), `. type=dir
./usr type=dir
./usr/data type=file mode=644 size=7
`, false)

	root := openRoot(t, target)
	source := openRoot(t, sourceDir)

	if err := Apply(manifestPath, root, ApplyOptions{Source: source}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	var sourceStat, destStat syscall.Stat_t
	if err := syscall.Stat(filepath.Join(sourceDir, "usr", "data"), &sourceStat); err != nil {
		t.Fatalf("stat source: %v", err)
	}
	if err := syscall.Stat(filepath.Join(target, "usr", "data"), &destStat); err != nil {
		t.Fatalf("stat dest: %v", err)
	}
	if sourceStat.Dev == destStat.Dev && sourceStat.Ino != destStat.Ino {
		t.Errorf("same filesystem but not hard-linked")
	}
	data, err := os.ReadFile(filepath.Join(target, "usr", "data"))
	if err != nil || string(data) != "payload" {
		t.Errorf("content = %q, %v", data, err)
	}
}

func TestApplyContentsKeyword(t *testing.T) {
	sourceDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(sourceDir, "real"), []byte("abc"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	target := t.TempDir()
	manifestPath := writeManifest(t, t.TempDir(), `. type=dir
./renamed type=file mode=644 size=3 contents=./real
`, false)

	if err := Apply(manifestPath, openRoot(t, target), ApplyOptions{Source: openRoot(t, sourceDir)}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(target, "renamed"))
	if err != nil || string(data) != "abc" {
		t.Errorf("content = %q, %v", data, err)
	}
}

func TestApplySymlinkIdempotent(t *testing.T) {
	target := t.TempDir()
	// A file already occupies the symlink's path: apply must leave
	// it alone rather than replace it.
	if err := os.WriteFile(filepath.Join(target, "existing"), []byte("keep"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	manifestPath := writeManifest(t, t.TempDir(), `. type=dir
./existing type=link link=somewhere
./fresh type=link link=target
`, false)

	if err := Apply(manifestPath, openRoot(t, target), ApplyOptions{}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(target, "existing"))
	if err != nil || string(data) != "keep" {
		t.Errorf("existing file was replaced: %q, %v", data, err)
	}
	link, err := os.Readlink(filepath.Join(target, "fresh"))
	if err != nil || link != "target" {
		t.Errorf("fresh link = %q, %v", link, err)
	}
}

func TestApplyMtime(t *testing.T) {
	sourceDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(sourceDir, "f"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	target := t.TempDir()
	manifestPath := writeManifest(t, t.TempDir(), `. type=dir
./f type=file mode=644 size=1 time=1634680457.123456789
`, false)

	if err := Apply(manifestPath, openRoot(t, target), ApplyOptions{Source: openRoot(t, sourceDir)}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	st, err := os.Stat(filepath.Join(target, "f"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	want := time.Unix(1634680457, 123456789)
	if !st.ModTime().Equal(want) {
		t.Errorf("mtime = %v, want %v", st.ModTime(), want)
	}
}

func TestApplyRejectsSpecialFiles(t *testing.T) {
	target := t.TempDir()
	manifestPath := writeManifest(t, t.TempDir(), `. type=dir
./dev type=dir
./dev/null type=char device=native,1,3
`, false)

	if err := Apply(manifestPath, openRoot(t, target), ApplyOptions{}); err == nil {
		t.Errorf("special file accepted")
	}
}

func TestApplyMissingMandatoryFile(t *testing.T) {
	target := t.TempDir()
	manifestPath := writeManifest(t, t.TempDir(), `. type=dir
./absent type=file mode=644 size=5
`, false)

	if err := Apply(manifestPath, openRoot(t, target), ApplyOptions{}); err == nil {
		t.Errorf("missing mandatory file accepted")
	}

	// The same entry marked optional is skipped.
	manifestPath = writeManifest(t, t.TempDir(), `. type=dir
./absent type=file mode=644 size=5 optional
`, false)
	if err := Apply(manifestPath, openRoot(t, target), ApplyOptions{}); err != nil {
		t.Errorf("optional missing file rejected: %v", err)
	}
}
