// Copyright 2026 The Caisson Authors
// SPDX-License-Identifier: Apache-2.0

package manifest

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind classifies a manifest entry.
type Kind int

const (
	// KindUnknown is an entry whose type keyword was absent or
	// unrecognized. Rejected by the final consistency check.
	KindUnknown Kind = iota
	KindFile
	KindDir
	KindSymlink
	KindBlock
	KindChar
	KindFifo
	KindSocket
)

// String returns the mtree type keyword for a kind.
func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDir:
		return "dir"
	case KindSymlink:
		return "link"
	case KindBlock:
		return "block"
	case KindChar:
		return "char"
	case KindFifo:
		return "fifo"
	case KindSocket:
		return "socket"
	default:
		return "unknown"
	}
}

// Entry is one line of a manifest.
type Entry struct {
	// Name is the path relative to the manifest's virtual root,
	// without the leading "./". The virtual root itself has Name ".".
	Name string

	Kind Kind

	// Mode is the recorded permission bits, or -1 if absent. Only
	// the execute bits influence application; see Apply.
	Mode int64

	// Size in bytes for files, or -1 if absent.
	Size int64

	// HasTime reports whether a modification time was recorded.
	HasTime  bool
	TimeSec  int64
	TimeNsec int64

	// Link is the symlink target. Set exactly when Kind is
	// KindSymlink.
	Link string

	// Contents is an alternate source filename for hard-linking or
	// copying, relative to the virtual root.
	Contents string

	// SHA256 is informational only; application never verifies it.
	SHA256 string

	// Optional marks an entry whose absence is not an error.
	Optional bool

	// NoChange suppresses permission and time normalization.
	NoChange bool

	// IgnoreBelow marks a directory whose contents the manifest
	// deliberately does not describe.
	IgnoreBelow bool
}

// ignoredKeywords are informational mtree keywords that carry nothing
// the applier needs. They are accepted and dropped without logging.
var ignoredKeywords = map[string]bool{
	"cksum":           true,
	"device":          true,
	"flags":           true,
	"gid":             true,
	"gname":           true,
	"inode":           true,
	"md5":             true,
	"md5digest":       true,
	"nlink":           true,
	"resdevice":       true,
	"ripemd160digest": true,
	"rmd160":          true,
	"rmd160digest":    true,
	"sha1":            true,
	"sha1digest":      true,
	"sha384":          true,
	"sha384digest":    true,
	"sha512":          true,
	"sha512digest":    true,
	"uid":             true,
	"uname":           true,
}

// ParseLine parses one manifest entry line. The caller is expected to
// have skipped blank lines and comments. Unknown keywords are
// reported through unknown (may be nil) and otherwise ignored;
// unsupported manifest features are errors.
func ParseLine(line string, unknown func(keyword string)) (*Entry, error) {
	if strings.HasSuffix(line, "\\") {
		return nil, fmt.Errorf("line continuations are not supported")
	}

	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty entry")
	}

	if strings.HasPrefix(fields[0], "/") {
		// Covers both absolute entry names and /set-style special
		// commands, neither of which this subset accepts.
		return nil, fmt.Errorf("unsupported mtree feature %q", fields[0])
	}

	name, err := unescape(fields[0])
	if err != nil {
		return nil, fmt.Errorf("entry name %q: %w", fields[0], err)
	}
	relative, err := relativeName(name)
	if err != nil {
		return nil, err
	}

	entry := &Entry{Name: relative, Mode: -1, Size: -1}

	for _, field := range fields[1:] {
		keyword, value, hasValue := strings.Cut(field, "=")
		if err := entry.applyKeyword(keyword, value, hasValue, unknown); err != nil {
			return nil, fmt.Errorf("entry %q: %w", entry.Name, err)
		}
	}

	// Final consistency check.
	if entry.Kind == KindUnknown {
		return nil, fmt.Errorf("entry %q has no recognized type", entry.Name)
	}
	if entry.Kind == KindSymlink && entry.Link == "" {
		return nil, fmt.Errorf("entry %q is a symlink without a target", entry.Name)
	}
	if entry.Kind != KindSymlink && entry.Link != "" {
		return nil, fmt.Errorf("entry %q has a link target but is not a symlink", entry.Name)
	}
	return entry, nil
}

func (e *Entry) applyKeyword(keyword, value string, hasValue bool, unknown func(string)) error {
	switch keyword {
	case "type":
		kind, err := parseKind(value)
		if err != nil {
			return err
		}
		if e.Kind != KindUnknown && e.Kind != kind {
			return fmt.Errorf("conflicting type values")
		}
		e.Kind = kind
	case "mode":
		mode, err := strconv.ParseInt(value, 8, 32)
		if err != nil {
			return fmt.Errorf("invalid mode %q", value)
		}
		if e.Mode != -1 && e.Mode != mode {
			return fmt.Errorf("conflicting mode values")
		}
		e.Mode = mode
	case "size":
		size, err := strconv.ParseInt(value, 10, 64)
		if err != nil || size < 0 {
			return fmt.Errorf("invalid size %q", value)
		}
		if e.Size != -1 && e.Size != size {
			return fmt.Errorf("conflicting size values")
		}
		e.Size = size
	case "time":
		sec, nsec, err := parseTime(value)
		if err != nil {
			return err
		}
		if e.HasTime && (e.TimeSec != sec || e.TimeNsec != nsec) {
			return fmt.Errorf("conflicting time values")
		}
		e.HasTime = true
		e.TimeSec = sec
		e.TimeNsec = nsec
	case "link":
		target, err := unescape(value)
		if err != nil {
			return fmt.Errorf("link target %q: %w", value, err)
		}
		if e.Link != "" && e.Link != target {
			return fmt.Errorf("conflicting link values")
		}
		e.Link = target
	case "contents", "content":
		contents, err := unescape(value)
		if err != nil {
			return fmt.Errorf("contents %q: %w", value, err)
		}
		source, err := relativeName(contents)
		if err != nil {
			return err
		}
		if e.Contents != "" && e.Contents != source {
			return fmt.Errorf("conflicting contents values")
		}
		e.Contents = source
	case "sha256", "sha256digest":
		if e.SHA256 != "" && e.SHA256 != value {
			return fmt.Errorf("conflicting sha256 values")
		}
		e.SHA256 = value
	case "optional":
		e.Optional = true
	case "nochange":
		e.NoChange = true
	case "ignore":
		e.IgnoreBelow = true
	default:
		if !ignoredKeywords[keyword] {
			if unknown != nil {
				unknown(keyword)
			}
		}
		_ = hasValue
	}
	return nil
}

func parseKind(value string) (Kind, error) {
	switch value {
	case "file":
		return KindFile, nil
	case "dir":
		return KindDir, nil
	case "link":
		return KindSymlink, nil
	case "block":
		return KindBlock, nil
	case "char":
		return KindChar, nil
	case "fifo":
		return KindFifo, nil
	case "socket":
		return KindSocket, nil
	default:
		return KindUnknown, fmt.Errorf("unknown type %q", value)
	}
}

// parseTime parses seconds[.nanoseconds]. The fractional part is a
// nanosecond count, not a decimal fraction, and must be either "0" or
// exactly 9 digits; anything else is ambiguous and rejected.
func parseTime(value string) (sec, nsec int64, err error) {
	secPart, nsecPart, hasDot := strings.Cut(value, ".")
	sec, err = strconv.ParseInt(secPart, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time %q", value)
	}
	if !hasDot || nsecPart == "0" {
		return sec, 0, nil
	}
	if len(nsecPart) != 9 {
		return 0, 0, fmt.Errorf("ambiguous time %q: fractional part must be 0 or exactly 9 digits", value)
	}
	nsec, err = strconv.ParseInt(nsecPart, 10, 64)
	if err != nil || nsec < 0 {
		return 0, 0, fmt.Errorf("invalid time %q", value)
	}
	return sec, nsec, nil
}

// relativeName checks that a decoded name is relative to the virtual
// root and strips the "./" prefix. The virtual root itself stays ".".
func relativeName(name string) (string, error) {
	if name == "." {
		return ".", nil
	}
	rest, ok := strings.CutPrefix(name, "./")
	if !ok || rest == "" {
		return "", fmt.Errorf("name %q is not relative to the virtual root", name)
	}
	for _, segment := range strings.Split(rest, "/") {
		if segment == "" || segment == "." || segment == ".." {
			return "", fmt.Errorf("name %q contains an unsupported path segment", name)
		}
	}
	return rest, nil
}

// unescape decodes mtree vis(3)-style escapes: three-digit octal
// sequences and the standard single-character escapes. Any other
// backslash use is an unsupported feature.
func unescape(s string) (string, error) {
	if !strings.Contains(s, "\\") {
		return s, nil
	}
	var out strings.Builder
	out.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			out.WriteByte(c)
			continue
		}
		i++
		if i >= len(s) {
			return "", fmt.Errorf("trailing backslash")
		}
		switch s[i] {
		case '\\':
			out.WriteByte('\\')
		case 'a':
			out.WriteByte('\a')
		case 'b':
			out.WriteByte('\b')
		case 'f':
			out.WriteByte('\f')
		case 'n':
			out.WriteByte('\n')
		case 'r':
			out.WriteByte('\r')
		case 's':
			out.WriteByte(' ')
		case 't':
			out.WriteByte('\t')
		case 'v':
			out.WriteByte('\v')
		case '0', '1', '2', '3':
			if i+2 >= len(s) || !isOctal(s[i+1]) || !isOctal(s[i+2]) {
				return "", fmt.Errorf("invalid octal escape")
			}
			value := (int(s[i])-'0')<<6 | (int(s[i+1])-'0')<<3 | (int(s[i+2]) - '0')
			out.WriteByte(byte(value))
			i += 2
		default:
			return "", fmt.Errorf("unsupported escape \\%c", s[i])
		}
	}
	return out.String(), nil
}

func isOctal(c byte) bool { return c >= '0' && c <= '7' }
