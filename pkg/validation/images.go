// Package validation checks reconstruction inputs before any stage runs
package validation

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ValidationError rejects an image set before processing starts
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid image set: " + e.Reason
}

// allowedExtensions lists the image formats accepted for processing
var allowedExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".tiff": true,
	".tif":  true,
	".bmp":  true,
	".webp": true,
}

// MinImages is the smallest usable image set for 3D reconstruction
const MinImages = 2

// AllowedExtension reports whether the path carries an accepted image
// extension.
func AllowedExtension(path string) bool {
	return allowedExtensions[strings.ToLower(filepath.Ext(path))]
}

// ValidateImageSet checks that an image set is usable: at least two
// images, each existing, readable, and of an accepted format.
func ValidateImageSet(imagePaths []string) error {
	if len(imagePaths) == 0 {
		return &ValidationError{Reason: "no image files provided"}
	}
	if len(imagePaths) < MinImages {
		return &ValidationError{
			Reason: fmt.Sprintf("at least %d images are required for 3D reconstruction, got %d", MinImages, len(imagePaths)),
		}
	}

	for _, path := range imagePaths {
		ext := strings.ToLower(filepath.Ext(path))
		if !allowedExtensions[ext] {
			return &ValidationError{Reason: fmt.Sprintf("unsupported image format: %s", path)}
		}

		info, err := os.Stat(path)
		if err != nil {
			return &ValidationError{Reason: fmt.Sprintf("image file not found: %s", path)}
		}
		if info.IsDir() {
			return &ValidationError{Reason: fmt.Sprintf("not a file: %s", path)}
		}

		f, err := os.Open(path)
		if err != nil {
			return &ValidationError{Reason: fmt.Sprintf("image file not readable: %s", path)}
		}
		f.Close()
	}

	return nil
}
