package media

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"naikit/internal/constants"
	"naikit/internal/security"
)

// DetectImageType sniffs the magic bytes of data. It returns "" when the
// bytes are not a known image format.
func DetectImageType(data []byte) string {
	for signature, mimeType := range constants.FileSignatures {
		if bytes.HasPrefix(data, []byte(signature)) {
			return mimeType
		}
	}
	return ""
}

// ExtensionFor returns the file extension matching the sniffed type of data,
// or ".bin" when unknown.
func ExtensionFor(data []byte) string {
	if ext, ok := constants.MimeTypeToExtension[DetectImageType(data)]; ok {
		return ext
	}
	return ".bin"
}

// WriteFile stores data at path after validating it, creating parent
// directories as needed.
func WriteFile(path string, data []byte) error {
	if err := security.ValidateOutputPath(path); err != nil {
		return fmt.Errorf("invalid output path: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, constants.DefaultDirectoryPermissions); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	if err := os.WriteFile(path, data, constants.DefaultFilePermissions); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}
