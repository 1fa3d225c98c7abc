// Package sanitize turns untrusted text into safe filenames and checks
// client-supplied paths.
//
// Filenames keep letters, digits, '_' and '-'. Names longer than
// MaxFilenameLength are truncated with a hash suffix, so distinct long titles
// stay distinct.
package sanitize

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

const (
	// MaxFilenameLength is the maximum length, in runes, of a sanitized
	// filename without extension.
	MaxFilenameLength = 80

	// HashSuffixLength is the length of the hash suffix added to truncated
	// names. Format: _<8-char-hash> = 9 characters total
	HashSuffixLength = 9

	// DefaultFilename is used when sanitization produces an empty result.
	DefaultFilename = "untitled"
)

// Filename sanitizes a title for use as a filename.
//
// Rules applied:
//   - Converts to lowercase and spaces to underscores
//   - Drops everything but letters, digits, '_' and '-'
//   - Collapses multiple underscores and trims them at both ends
//   - Truncates to MaxFilenameLength with hash suffix if too long
//
// Examples:
//
//	"  Hello World " -> "hello_world"
//	"a-b_c/../"      -> "a-b_c"
//	"" or "!!!"      -> "untitled"
func Filename(title string) string {
	var b strings.Builder
	b.Grow(len(title))
	for _, r := range strings.ToLower(strings.TrimSpace(title)) {
		switch {
		case unicode.IsSpace(r):
			b.WriteRune('_')
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-':
			b.WriteRune(r)
		}
	}

	name := b.String()
	for strings.Contains(name, "__") {
		name = strings.ReplaceAll(name, "__", "_")
	}
	name = strings.Trim(name, "_")
	if name == "" {
		return DefaultFilename
	}

	if runes := []rune(name); len(runes) > MaxFilenameLength {
		name = truncateWithHash(name, runes)
	}
	return name
}

// truncateWithHash truncates name to MaxFilenameLength runes, appending a
// hash of the full name.
//
// Format: <truncated>_<8-char-hash>
func truncateWithHash(name string, runes []rune) string {
	hash := sha256.Sum256([]byte(name))
	suffix := "_" + hex.EncodeToString(hash[:])[:8]

	truncated := strings.TrimRight(string(runes[:MaxFilenameLength-HashSuffixLength]), "_")
	return truncated + suffix
}
