// Package fileid derives stable deduplication keys from file names and sizes.
//
// Browsers and some multipart encoders hand over UTF-8 file names whose bytes
// were decoded as a single-byte charset, so "임플란트.stl" arrives as
// "ì\u009e\u0084í\u0094\u008c..." on one upload and correctly on the next.
// Normalize recovers the readable form so both uploads collide on one key.
package fileid

import (
	"path"
	"strconv"
	"strings"
	"unicode/utf16"

	"golang.org/x/text/unicode/norm"
)

const (
	hangulFirst = '가'
	hangulLast  = '힣'
)

// Key returns the deduplication key for a file: normalized name, a colon, and the size.
func Key(name string, size int64) string {
	return Normalize(name) + ":" + strconv.FormatInt(size, 10)
}

// RawKey is the key built from the name exactly as received. It is kept on
// optimistic records so late acknowledgements can be matched to them.
func RawKey(name string, size int64) string {
	return name + ":" + strconv.FormatInt(size, 10)
}

// Normalize recovers a mis-decoded name when that yields readable script
// characters and returns the NFC form.
func Normalize(name string) string {
	return norm.NFC.String(Recover(name))
}

// DisplayName is the human-readable form of a name shown to users.
func DisplayName(name string) string {
	return Normalize(name)
}

// Recover returns the name re-decoded as UTF-8 if the original has no
// recognizable script characters and the re-decoded form does. Otherwise
// the name is returned unchanged.
func Recover(name string) string {
	if name == "" || hasScript(name) {
		return name
	}
	decoded := redecode(name)
	if hasScript(decoded) {
		return decoded
	}
	return name
}

// redecode treats the low byte of each character's first UTF-16 code unit as
// a raw byte and decodes the resulting sequence as UTF-8.
func redecode(s string) string {
	buf := make([]byte, 0, len(s))
	for _, r := range s {
		unit := r
		if r1, _ := utf16.EncodeRune(r); r1 != '�' {
			unit = r1
		}
		buf = append(buf, byte(unit&0xff))
	}
	return strings.ToValidUTF8(string(buf), "�")
}

func hasScript(s string) bool {
	for _, r := range s {
		if r >= hangulFirst && r <= hangulLast {
			return true
		}
	}
	return false
}

// LookupName is the comparison form used when looking for previously
// submitted work with the same file: base name only, recovered, NFC,
// extension stripped, trimmed and lower-cased.
func LookupName(name string) string {
	if name == "" {
		return ""
	}
	s := strings.ReplaceAll(Recover(name), "\\", "/")
	s = strings.TrimRight(s, "/")
	if s == "" {
		return ""
	}
	s = path.Base(s)
	s = norm.NFC.String(s)
	if ext := path.Ext(s); ext != "" && ext != s {
		s = strings.TrimSuffix(s, ext)
	}
	return strings.ToLower(strings.TrimSpace(s))
}
