package export

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"unicode"
)

var ErrInvalidOutputDir = errors.New("invalid output directory")

// nameRunes are the punctuation runes kept in clip file names.
const nameRunes = " -_.,()"

// SanitizeName turns a user-supplied clip title into a file name stem.
// Control characters are dropped and other unsafe runes become '_'. The
// result has no leading dots and at most maxLen runes.
func SanitizeName(s string, maxLen int) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case unicode.IsControl(r):
			return -1
		case unicode.IsLetter(r), unicode.IsDigit(r), strings.ContainsRune(nameRunes, r):
			return r
		default:
			return '_'
		}
	}, s)

	name := []rune(strings.TrimSpace(mapped))
	if maxLen > 0 && len(name) > maxLen {
		name = name[:maxLen]
	}
	return strings.TrimLeft(strings.TrimSpace(string(name)), ".")
}

// ValidateOutputDir accepts only an existing directory given as a clean
// absolute path without ".." elements.
func ValidateOutputDir(dir string) error {
	invalid := func(reason string) error {
		return fmt.Errorf("%w: output_dir %s", ErrInvalidOutputDir, reason)
	}

	switch {
	case strings.TrimSpace(dir) == "":
		return invalid("is required")
	case slices.Contains(strings.Split(filepath.ToSlash(dir), "/"), ".."):
		return invalid("cannot contain path traversal")
	case filepath.Clean(dir) != dir:
		return invalid("must be a clean path")
	case !filepath.IsAbs(dir):
		return invalid("must be absolute")
	}

	info, err := os.Stat(dir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return invalid("does not exist")
	case err != nil:
		return fmt.Errorf("%w: %v", ErrInvalidOutputDir, err)
	case !info.IsDir():
		return invalid("is not a directory")
	}
	return nil
}

// UniqueOutputPath returns dir/name.ext, or dir/name (N).ext for the first
// N that does not exist yet.
func UniqueOutputPath(dir, name, ext string) string {
	candidate := name
	for n := 2; ; n++ {
		p := filepath.Join(dir, candidate+"."+ext)
		if _, err := os.Lstat(p); errors.Is(err, fs.ErrNotExist) {
			return p
		}
		candidate = fmt.Sprintf("%s (%d)", name, n)
	}
}
