package utils

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidatePath rejects empty paths, ".." traversal and, unless allowAbsolute
// is set, absolute paths.
func ValidatePath(path string, allowAbsolute bool) error {
	if path == "" {
		return fmt.Errorf("path cannot be empty")
	}

	cleanPath := filepath.Clean(path)
	for _, part := range strings.Split(filepath.ToSlash(cleanPath), "/") {
		if part == ".." {
			return fmt.Errorf("path contains directory traversal: %s", path)
		}
	}

	if !allowAbsolute && filepath.IsAbs(cleanPath) {
		return fmt.Errorf("absolute paths not allowed: %s", path)
	}

	return nil
}

// SecureJoin joins elements onto base and fails if the result escapes base.
//
//	path, err := SecureJoin(root, "thumbs", id)
func SecureJoin(base string, elements ...string) (string, error) {
	if base == "" {
		return "", fmt.Errorf("base path cannot be empty")
	}

	cleanBase := filepath.Clean(base)
	fullPath := filepath.Join(append([]string{cleanBase}, elements...)...)

	if fullPath != cleanBase && !strings.HasPrefix(fullPath, cleanBase+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s escapes base directory %s", filepath.Join(elements...), base)
	}

	return fullPath, nil
}
