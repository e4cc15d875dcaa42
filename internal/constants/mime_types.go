package constants

import "strings"

// Content types the downloader is allowed to hand to the generation endpoint
const (
	MimeTypeJPEG = "image/jpeg"
	MimeTypePNG  = "image/png"
)

// AllowedImageTypes is the download allow-list
var AllowedImageTypes = []string{MimeTypeJPEG, MimeTypePNG}

// IsAllowedImageType reports whether contentType is on the allow-list.
// Parameters such as "; charset=binary" are ignored.
func IsAllowedImageType(contentType string) bool {
	base := BaseMimeType(contentType)
	for _, allowed := range AllowedImageTypes {
		if base == allowed {
			return true
		}
	}
	return false
}

// IsListedImageType reports whether contentType is spelled exactly as an
// allow-list entry. Case and parameters are not normalized.
func IsListedImageType(contentType string) bool {
	for _, allowed := range AllowedImageTypes {
		if contentType == allowed {
			return true
		}
	}
	return false
}

// BaseMimeType strips parameters and whitespace from a content type and lowercases it
func BaseMimeType(contentType string) string {
	base, _, _ := strings.Cut(contentType, ";")
	return strings.ToLower(strings.TrimSpace(base))
}

// FileSignatures maps image magic bytes to the content type they identify
var FileSignatures = map[string]string{
	"\x89PNG\r\n\x1a\n": MimeTypePNG,
	"\xff\xd8\xff":      MimeTypeJPEG,
}

// MimeTypeToExtension maps allowed MIME types to their primary file extensions
var MimeTypeToExtension = map[string]string{
	MimeTypeJPEG: ".jpg",
	MimeTypePNG:  ".png",
}
