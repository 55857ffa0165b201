// Package fileutil holds small file helpers shared by the upload and
// download paths.
package fileutil

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// DetectContentType decides the content type of a file about to be
// uploaded. The extension wins when registered; otherwise the first
// block is sniffed. The returned reader replays the sniffed bytes
// followed by the rest of the file.
func DetectContentType(path string, file *os.File) (string, io.Reader, error) {
	head := make([]byte, 512)
	n, err := file.Read(head)
	if err != nil && !errors.Is(err, io.EOF) {
		return "", nil, err
	}
	head = head[:n]

	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		contentType = http.DetectContentType(head)
	}
	return contentType, io.MultiReader(bytes.NewReader(head), file), nil
}

// UniquePath appends " (n)" before the extension until the name is
// free, so parallel downloads never clobber each other.
func UniquePath(path string) string {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return path
	}
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s (%d)%s", stem, n, ext)
		if _, err := os.Stat(candidate); errors.Is(err, os.ErrNotExist) {
			return candidate
		}
	}
}
