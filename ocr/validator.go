// Package ocr covers the receipt image pipeline: upload validation,
// preprocessing, recognition, value extraction and confidence scoring.
package ocr

import (
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
)

const MaxUploadSizeBytes = 5 << 20 // 5 MB

type ValidationCheck string

const (
	CheckMIMEType  ValidationCheck = "mime_type"
	CheckExtension ValidationCheck = "extension"
	CheckSize      ValidationCheck = "size"
	CheckSignature ValidationCheck = "signature"
)

// ValidationError reports which check rejected an upload so handlers can
// return a precise client error.
type ValidationError struct {
	Check   ValidationCheck
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("upload rejected (%s): %s", e.Check, e.Message)
}

var allowedMimeTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
}

var allowedExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
}

// ValidateUpload runs the intake checks in a fixed order: declared MIME
// type, filename extension, size limit, then content signature. The first
// failing check wins. On success the fully read image bytes are returned.
func ValidateUpload(declaredMIME string, filename string, r io.Reader) ([]byte, error) {
	mimeType := strings.ToLower(strings.TrimSpace(declaredMIME))
	if idx := strings.Index(mimeType, ";"); idx >= 0 {
		mimeType = strings.TrimSpace(mimeType[:idx])
	}
	if !allowedMimeTypes[mimeType] {
		return nil, &ValidationError{
			Check:   CheckMIMEType,
			Message: fmt.Sprintf("unsupported content type %q", declaredMIME),
		}
	}

	ext := strings.ToLower(filepath.Ext(filename))
	if !allowedExtensions[ext] {
		return nil, &ValidationError{
			Check:   CheckExtension,
			Message: fmt.Sprintf("unsupported file extension %q", ext),
		}
	}

	// Read one byte past the limit so oversized uploads are detected
	// without buffering the whole stream.
	data, err := io.ReadAll(io.LimitReader(r, MaxUploadSizeBytes+1))
	if err != nil {
		return nil, &ValidationError{
			Check:   CheckSize,
			Message: fmt.Sprintf("failed to read upload: %v", err),
		}
	}
	if len(data) > MaxUploadSizeBytes {
		return nil, &ValidationError{
			Check:   CheckSize,
			Message: fmt.Sprintf("file exceeds %d bytes", MaxUploadSizeBytes),
		}
	}
	if len(data) == 0 {
		return nil, &ValidationError{
			Check:   CheckSize,
			Message: "file is empty",
		}
	}

	// The declared type is client-supplied; the sniffed signature is the
	// authority on what the bytes actually are.
	sniffed := http.DetectContentType(data)
	if !allowedMimeTypes[sniffed] {
		return nil, &ValidationError{
			Check:   CheckSignature,
			Message: fmt.Sprintf("content signature %q does not match an allowed image format", sniffed),
		}
	}

	return data, nil
}
