package sanitize

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

var (
	ErrPathTraversal = errors.New("path contains directory traversal")
	ErrEmptyPath     = errors.New("path cannot be empty")
)

// ValidatePath returns path made absolute. It rejects any ".." segment and,
// when root is set, any path that resolves outside root. Run folders are
// checked without a root; item files are checked against their output
// folder.
func ValidatePath(path, root string) (string, error) {
	if path == "" {
		return "", ErrEmptyPath
	}

	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: contains '..'", ErrPathTraversal)
		}
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolving path: %w", err)
	}

	if root != "" {
		absRoot, err := filepath.Abs(root)
		if err != nil {
			return "", fmt.Errorf("resolving root: %w", err)
		}
		rel, err := filepath.Rel(absRoot, absPath)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", fmt.Errorf("%w: %s is outside %s", ErrPathTraversal, filepath.Base(absPath), root)
		}
	}

	return absPath, nil
}
