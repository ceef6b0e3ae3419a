package attachments

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

const (
	MaxFiles        = 10
	MaxFileSize     = 10 << 20
	MaxContentRunes = 100000

	truncatedMarker = "\n\n[content truncated]"
)

var (
	ErrEmpty       = errors.New("file is empty")
	ErrTooLarge    = fmt.Errorf("file exceeds %d MB", MaxFileSize>>20)
	ErrUnsupported = errors.New("unsupported file type")
)

var textExtensions = map[string]struct{}{
	"txt": {}, "md": {}, "log": {}, "json": {}, "xml": {}, "csv": {},
	"java": {}, "py": {}, "js": {}, "ts": {}, "go": {}, "html": {}, "css": {},
	"yml": {}, "yaml": {}, "properties": {},
}

// Result describes one uploaded file. Content is only set on success.
type Result struct {
	FileName string `json:"file_name"`
	FileType string `json:"file_type,omitempty"`
	FileSize int64  `json:"file_size"`
	Content  string `json:"content,omitempty"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
}

// Extract reads a text file and returns its content, cut to MaxContentRunes.
func Extract(name string, size int64, r io.Reader) (string, error) {
	if size == 0 {
		return "", ErrEmpty
	}
	if size > MaxFileSize {
		return "", ErrTooLarge
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	switch ext {
	case "pdf", "doc", "docx":
		return "", fmt.Errorf("%w: %s, convert it to plain text", ErrUnsupported, ext)
	}
	if _, ok := textExtensions[ext]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupported, ext)
	}

	raw, err := io.ReadAll(io.LimitReader(r, MaxFileSize+1))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", name, err)
	}
	if len(raw) > MaxFileSize {
		return "", ErrTooLarge
	}
	raw = bytes.TrimPrefix(raw, []byte("\xef\xbb\xbf"))
	text := strings.ToValidUTF8(string(raw), "�")
	if strings.TrimSpace(text) == "" {
		return "", ErrEmpty
	}
	return truncate(text), nil
}

func truncate(text string) string {
	if utf8.RuneCountInString(text) <= MaxContentRunes {
		return text
	}
	n := 0
	for i := range text {
		if n == MaxContentRunes {
			return text[:i] + truncatedMarker
		}
		n++
	}
	return text
}

// Process extracts one multipart file. Failures are reported in the Result.
func Process(fh *multipart.FileHeader) Result {
	res := Result{FileName: fh.Filename, FileType: fh.Header.Get("Content-Type"), FileSize: fh.Size}
	f, err := fh.Open()
	if err != nil {
		res.Error = fmt.Sprintf("open upload: %v", err)
		return res
	}
	defer f.Close()

	content, err := Extract(fh.Filename, fh.Size, f)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Content = content
	res.Success = true
	return res
}
