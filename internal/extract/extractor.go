// Package extract turns uploaded file bytes into plain text.
package extract

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"docqa/internal/apperr"
)

var ErrUnsupportedFormat = fmt.Errorf("%w: unsupported file type", apperr.ErrExtraction)

type File struct {
	Name string
	Data []byte
}

type Extractor interface {
	Extract(ctx context.Context, f File) (string, error)
}

// FileExtractor dispatches on the file extension.
type FileExtractor struct{}

func NewFileExtractor() *FileExtractor {
	return &FileExtractor{}
}

func (e *FileExtractor) Extract(ctx context.Context, f File) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	ext := strings.ToLower(filepath.Ext(f.Name))
	var (
		out string
		err error
	)
	switch ext {
	case ".txt", ".md", ".csv":
		out = decodeUTF8(f.Data)
	case ".pdf":
		out, err = extractPDF(f.Data)
	case ".docx":
		out, err = extractDOCX(f.Data)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
	if err != nil {
		if errors.Is(err, apperr.ErrExtraction) {
			return "", err
		}
		return "", fmt.Errorf("%w: failed to extract text from %s: %w", apperr.ErrExtraction, ext, err)
	}
	return out, nil
}

// decodeUTF8 drops invalid byte sequences.
func decodeUTF8(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}
	var b strings.Builder
	b.Grow(len(data))
	for len(data) > 0 {
		r, size := utf8.DecodeRune(data)
		if r != utf8.RuneError || size > 1 {
			b.WriteRune(r)
		}
		data = data[size:]
	}
	return b.String()
}
