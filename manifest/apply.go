// Copyright 2026 The Caisson Authors
// SPDX-License-Identifier: Apache-2.0

package manifest

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"strings"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/sys/unix"

	"github.com/caisson-foundation/caisson/sysroot"
)

// Fixed permission modes applied after materializing an entry. The
// manifest's recorded mode only decides which of the two is used:
// directories and anything with an execute bit get modeExecutable,
// everything else modeRegular.
const (
	modeExecutable = 0o755
	modeRegular    = 0o644
)

// ApplyOptions configure Apply.
type ApplyOptions struct {
	// Source is the tree to hard-link (or copy) file contents from.
	// When nil, every non-optional file entry must already exist at
	// its destination.
	Source *sysroot.Root

	// Logger receives warnings about non-fatal conditions (failed
	// mtime updates, unknown keywords). Defaults to slog.Default().
	Logger *slog.Logger
}

// Apply streams the manifest at manifestPath (gzip-compressed input is
// detected by its magic bytes) and reproduces the described tree under
// root. Re-applying the same manifest to the same tree is a no-op with
// respect to the final filesystem state.
func Apply(manifestPath string, root *sysroot.Root, opts ApplyOptions) error {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	f, err := os.Open(manifestPath)
	if err != nil {
		return fmt.Errorf("opening manifest: %w", err)
	}
	defer f.Close()

	buffered := bufio.NewReader(f)
	var reader io.Reader = buffered
	if magic, err := buffered.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(buffered)
		if err != nil {
			return fmt.Errorf("opening gzip manifest %q: %w", manifestPath, err)
		}
		defer gz.Close()
		reader = gz
	}

	a := &applier{root: root, source: opts.Source, logger: logger}

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		entry, err := ParseLine(line, func(keyword string) {
			logger.Debug("ignoring unknown manifest keyword",
				"manifest", manifestPath, "line", lineno, "keyword", keyword)
		})
		if err != nil {
			return fmt.Errorf("%s:%d: %w", manifestPath, lineno, err)
		}
		if entry.Name == "." {
			continue
		}
		if err := a.apply(entry); err != nil {
			return fmt.Errorf("%s:%d: applying %q: %w", manifestPath, lineno, entry.Name, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading manifest %q: %w", manifestPath, err)
	}
	return nil
}

type applier struct {
	root   *sysroot.Root
	source *sysroot.Root
	logger *slog.Logger

	// ignored are directory prefixes whose contents the manifest
	// declared it does not describe.
	ignored []string
}

func (a *applier) apply(entry *Entry) error {
	for _, prefix := range a.ignored {
		if strings.HasPrefix(entry.Name, prefix+"/") {
			return nil
		}
	}
	if entry.IgnoreBelow {
		a.ignored = append(a.ignored, entry.Name)
	}

	parentPath, base := path.Split(entry.Name)
	parent, err := sysroot.Resolve(a.root, parentPath, sysroot.MkdirP)
	if err != nil {
		return err
	}
	defer parent.Close()

	switch entry.Kind {
	case KindDir:
		if err := unix.Mkdirat(parent.Fd(), base, modeExecutable); err != nil && err != unix.EEXIST {
			return fmt.Errorf("mkdir: %w", err)
		}
		var st unix.Stat_t
		if err := unix.Fstatat(parent.Fd(), base, &st, unix.AT_SYMLINK_NOFOLLOW); err != nil {
			return fmt.Errorf("stat: %w", err)
		}
		if st.Mode&unix.S_IFMT != unix.S_IFDIR {
			return fmt.Errorf("exists but is not a directory")
		}

	case KindSymlink:
		// Never overwrite whatever occupies the path already; a
		// re-apply over an existing tree must not flip files into
		// links.
		if err := unix.Symlinkat(entry.Link, parent.Fd(), base); err != nil && err != unix.EEXIST {
			return fmt.Errorf("symlink to %q: %w", entry.Link, err)
		}

	case KindFile:
		if err := a.applyFile(entry, parent, base); err != nil {
			return err
		}

	default:
		return fmt.Errorf("special files are not supported (type %s)", entry.Kind)
	}

	if entry.NoChange || entry.Kind == KindSymlink {
		return nil
	}

	mode := modeRegular
	if entry.Kind == KindDir || (entry.Mode != -1 && entry.Mode&0o111 != 0) {
		mode = modeExecutable
	}
	if err := unix.Fchmodat(parent.Fd(), base, uint32(mode), 0); err != nil {
		return fmt.Errorf("chmod %o: %w", mode, err)
	}

	if entry.Kind == KindFile && entry.HasTime {
		times := []unix.Timespec{
			{Nsec: unix.UTIME_OMIT}, // leave atime untouched
			{Sec: entry.TimeSec, Nsec: entry.TimeNsec},
		}
		if err := unix.UtimesNanoAt(parent.Fd(), base, times, unix.AT_SYMLINK_NOFOLLOW); err != nil {
			a.logger.Warn("cannot set mtime", "entry", entry.Name, "error", err)
		}
	}
	return nil
}

// applyFile materializes a file entry, trying the cheap options first:
// an empty file for size 0, then an already-present destination, then
// a hard link from the source tree, then a byte copy, and finally —
// with no source tree — requiring the destination to already exist.
func (a *applier) applyFile(entry *Entry, parent *sysroot.Handle, base string) error {
	if entry.Size == 0 {
		fd, err := unix.Openat(parent.Fd(), base,
			unix.O_WRONLY|unix.O_CREAT|unix.O_NOFOLLOW|unix.O_CLOEXEC, modeRegular)
		if err != nil {
			return fmt.Errorf("creating empty file: %w", err)
		}
		return unix.Close(fd)
	}

	var st unix.Stat_t
	if err := unix.Fstatat(parent.Fd(), base, &st, unix.AT_SYMLINK_NOFOLLOW); err == nil {
		if st.Mode&unix.S_IFMT == unix.S_IFREG {
			return nil // already present, reuse
		}
		return fmt.Errorf("exists but is not a regular file")
	}

	sourceName := entry.Name
	if entry.Contents != "" {
		sourceName = entry.Contents
	}

	if a.source != nil {
		if err := a.linkOrCopy(sourceName, parent, base); err == nil {
			return nil
		} else if !entry.Optional {
			return fmt.Errorf("from source tree %q: %w", sourceName, err)
		}
		return nil
	}

	if entry.Optional {
		a.logger.Debug("optional entry not present", "entry", entry.Name)
		return nil
	}
	fd, err := unix.Openat(parent.Fd(), base, unix.O_RDONLY|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("no source tree and destination missing: %w", err)
	}
	return unix.Close(fd)
}

func (a *applier) linkOrCopy(sourceName string, parent *sysroot.Handle, base string) error {
	sourceParentPath, sourceBase := path.Split(sourceName)
	sourceParent, err := sysroot.Resolve(a.source, sourceParentPath, 0)
	if err != nil {
		return err
	}
	defer sourceParent.Close()

	if err := unix.Linkat(sourceParent.Fd(), sourceBase, parent.Fd(), base, 0); err == nil {
		return nil
	} else if err == unix.EEXIST {
		return nil
	}

	// Cross-device or link-restricted source: fall back to copying.
	sourceFile, err := sysroot.Resolve(a.source, sourceName, sysroot.Readable)
	if err != nil {
		return err
	}
	in := sourceFile.IntoFile()
	defer in.Close()

	fd, err := unix.Openat(parent.Fd(), base,
		unix.O_WRONLY|unix.O_CREAT|unix.O_EXCL|unix.O_NOFOLLOW|unix.O_CLOEXEC, modeRegular)
	if err != nil {
		return fmt.Errorf("creating copy: %w", err)
	}
	out := os.NewFile(uintptr(fd), base)
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copying: %w", err)
	}
	return nil
}
