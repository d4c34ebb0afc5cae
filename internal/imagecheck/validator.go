// Package imagecheck validates images attached to feedback replies.
package imagecheck

import (
	"path/filepath"
	"strings"
)

// DefaultMaxBytes is the largest accepted image.
const DefaultMaxBytes = 10 * 1024 * 1024

var allowedMimeTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/jpg":  true,
	"image/gif":  true,
	"image/webp": true,
	"image/bmp":  true,
}

var allowedExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".webp": true,
	".bmp":  true,
}

// Validator checks image format and size.
type Validator struct {
	MaxBytes int
}

// New returns a validator; maxBytes <= 0 selects DefaultMaxBytes.
func New(maxBytes int) *Validator {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Validator{MaxBytes: maxBytes}
}

// ValidateFormat accepts common raster formats. The mime type wins when set;
// otherwise the file extension decides.
func (v *Validator) ValidateFormat(name, mimeType string) bool {
	if mimeType != "" {
		return allowedMimeTypes[strings.ToLower(mimeType)]
	}
	return allowedExtensions[strings.ToLower(filepath.Ext(name))]
}

// ValidateSize rejects empty images and images over MaxBytes.
func (v *Validator) ValidateSize(size int) bool {
	return size > 0 && size <= v.MaxBytes
}
