package pathutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrEmptyPath is returned when a folder path is blank.
var ErrEmptyPath = errors.New("folder path cannot be empty")

// Normalize canonicalizes a folder path without touching the filesystem:
// surrounding whitespace is trimmed, both slash styles become the OS
// separator, "." and ".." are resolved and relative paths are made absolute.
func Normalize(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", ErrEmptyPath
	}

	unified := strings.ReplaceAll(trimmed, `\`, "/")
	abs, err := filepath.Abs(filepath.FromSlash(unified))
	if err != nil {
		return "", fmt.Errorf("resolve folder path %q: %w", trimmed, err)
	}
	return filepath.Clean(abs), nil
}

// DirExists reports whether path names an existing, reachable directory.
func DirExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}
