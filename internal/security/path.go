package security

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidateFilePath rejects empty paths and paths that climb out of their
// starting directory. Absolute paths are accepted.
func ValidateFilePath(path string) error {
	if path == "" {
		return fmt.Errorf("file path cannot be empty")
	}
	if strings.ContainsRune(path, 0) {
		return fmt.Errorf("path contains NUL byte")
	}

	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("path contains directory traversal: %s", path)
		}
	}

	return nil
}

// ValidateOutputPath validates a destination for generated or downloaded
// images. The extension must be one the image pipeline writes.
func ValidateOutputPath(path string) error {
	if err := ValidateFilePath(path); err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".png", ".jpg", ".jpeg", ".zip":
		return nil
	default:
		return fmt.Errorf("unsupported output extension: %q", filepath.Ext(path))
	}
}
