// Package mode defines how an item is packaged and which filesystem entries
// each packaging mode accepts.
package mode

import (
	"fmt"

	"github.com/go-git/go-billy/v5"
)

// Mode selects the packaging strategy for an item.
type Mode int

const (
	// Dag parses a JSON document and archives it as a single dag-cbor block.
	Dag Mode = iota
	// File uploads the raw file in a multipart envelope.
	File
	// Dir archives a directory tree as UnixFS.
	Dir
	// Wrap archives a directory tree nested under one extra directory node.
	Wrap
)

// All lists every mode in declaration order.
var All = []Mode{Dag, File, Dir, Wrap}

func (m Mode) String() string {
	switch m {
	case Dag:
		return "dag"
	case File:
		return "file"
	case Dir:
		return "dir"
	case Wrap:
		return "wrap"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Parse returns the mode named raw. Names are case-sensitive.
func Parse(raw string) (Mode, bool) {
	for _, m := range All {
		if m.String() == raw {
			return m, true
		}
	}
	return Dag, false
}

// Sanitize maps raw to a mode, defaulting to Dag for anything unrecognised.
func Sanitize(raw string) Mode {
	m, _ := Parse(raw)
	return m
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Unknown names decode
// as Dag, matching Sanitize.
func (m *Mode) UnmarshalText(text []byte) error {
	*m = Sanitize(string(text))
	return nil
}

// WantsDirectory reports whether the mode packages a directory tree.
func (m Mode) WantsDirectory() bool {
	return m == Dir || m == Wrap
}

// Archived reports whether the mode produces a content-addressed archive.
func (m Mode) Archived() bool {
	return m != File
}

// IsValidPairing reports whether path is an acceptable input for m. Dag and
// File need a regular file; Dir and Wrap need a directory. Any stat failure
// reports false.
func IsValidPairing(fsys billy.Filesystem, m Mode, path string) bool {
	if fsys == nil || path == "" {
		return false
	}
	info, err := fsys.Lstat(path)
	if err != nil {
		return false
	}
	switch m {
	case Dag, File:
		return info.Mode().IsRegular()
	case Dir, Wrap:
		return info.IsDir()
	default:
		return false
	}
}
