// Package ustr implements the immutable path/string type used by the
// VFS and VM layers, adapted from biscuit's ustr package.
package ustr

import (
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Ustr represents an immutable path or path component.
type Ustr []byte

// Isdot reports whether the string equals ".".
func (us Ustr) Isdot() bool {
	return len(us) == 1 && us[0] == '.'
}

// Isdotdot reports whether the string equals "..".
func (us Ustr) Isdotdot() bool {
	return len(us) == 2 && us[0] == '.' && us[1] == '.'
}

// Eq compares two Ustr values for equality.
func (us Ustr) Eq(s Ustr) bool {
	if len(us) != len(s) {
		return false
	}
	for i, v := range us {
		if v != s[i] {
			return false
		}
	}
	return true
}

// MkUstr creates an empty Ustr value.
func MkUstr() Ustr {
	return Ustr{}
}

// MkUstrDot returns a Ustr representing the current directory.
func MkUstrDot() Ustr {
	return Ustr(".")
}

// MkUstrRoot returns a Ustr for the root directory.
func MkUstrRoot() Ustr {
	return Ustr("/")
}

// DotDot is a reusable Ustr containing "..".
var DotDot = Ustr{'.', '.'}

// MkUstrSlice truncates buf at the first NUL byte.
func MkUstrSlice(buf []byte) Ustr {
	for i, b := range buf {
		if b == 0 {
			return buf[:i]
		}
	}
	return buf
}

// Extend appends '/' and p to the current Ustr and returns the result.
func (us Ustr) Extend(p Ustr) Ustr {
	tmp := make(Ustr, len(us), len(us)+1+len(p))
	copy(tmp, us)
	tmp = append(tmp, '/')
	return append(tmp, p...)
}

// ExtendStr appends '/' and the string p.
func (us Ustr) ExtendStr(p string) Ustr {
	return us.Extend(Ustr(p))
}

// IsAbsolute reports whether the path begins with '/'.
func (us Ustr) IsAbsolute() bool {
	return len(us) > 0 && us[0] == '/'
}

// IndexByte returns the index of b in the string, or -1.
func (us Ustr) IndexByte(b byte) int {
	for i, v := range us {
		if v == b {
			return i
		}
	}
	return -1
}

// String converts the Ustr to a Go string.
func (us Ustr) String() string {
	return string(us)
}

// notGraphic drops runes that are not letters, numbers, marks, symbols,
// punctuation or spaces; surviving a round trip through it is part of
// ValidName's well-formedness check.
var notGraphic = runes.Remove(runes.Predicate(func(r rune) bool {
	return !unicode.IsGraphic(r) && r != ' '
}))

// ValidName reports whether a single path component is well-formed
// UTF-8, contains neither '/' nor a NUL byte, and has no non-graphic
// runes once normalized to NFC. The VFS layer rejects directory-entry
// names that fail this check (see SPEC_FULL.md's "Path/name
// validation" section).
func ValidName(name Ustr) bool {
	if len(name) == 0 || len(name) > 255 {
		return false
	}
	if !utf8.Valid(name) {
		return false
	}
	for _, b := range name {
		if b == '/' || b == 0 {
			return false
		}
	}
	normalized := norm.NFC.Bytes(name)
	cleaned, _, err := transform.Bytes(notGraphic, normalized)
	if err != nil {
		return false
	}
	return len(cleaned) == len(normalized)
}

// Split breaks a path into its components, ignoring empty components
// produced by repeated slashes.
func Split(p Ustr) []Ustr {
	var out []Ustr
	start := 0
	for i := 0; i <= len(p); i++ {
		if i == len(p) || p[i] == '/' {
			if i > start {
				out = append(out, p[start:i])
			}
			start = i + 1
		}
	}
	return out
}
