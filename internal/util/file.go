package util

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

const (
	MIMETypeUnknown       = "application/octet-stream"
	mimeTypeCheckPartSize = 512
	tempFileSuffix        = ".tmp"
)

// WriteTempFile writes data to a hidden temporary file next to path and returns its name.
// The caller either renames it over path or removes it.
func WriteTempFile(fs afero.Fs, path string, data []byte, perm os.FileMode) (string, error) {
	dir := filepath.Dir(path)
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("cannot create directory %s: %w", dir, err)
	}

	tmp, err := afero.TempFile(fs, dir, "."+filepath.Base(path)+".*"+tempFileSuffix)
	if err != nil {
		return "", fmt.Errorf("cannot create temp file: %w", err)
	}

	name := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		fs.Remove(name)

		return "", fmt.Errorf("cannot write temp file %s: %w", name, err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		fs.Remove(name)

		return "", fmt.Errorf("cannot sync temp file %s: %w", name, err)
	}

	if err := tmp.Close(); err != nil {
		fs.Remove(name)

		return "", fmt.Errorf("cannot close temp file %s: %w", name, err)
	}

	if err := fs.Chmod(name, perm); err != nil {
		fs.Remove(name)

		return "", fmt.Errorf("cannot chmod temp file %s: %w", name, err)
	}

	return name, nil
}

// WriteFileAtomic replaces path with data so that readers see either the old or the new content.
func WriteFileAtomic(fs afero.Fs, path string, data []byte, perm os.FileMode) error {
	tmp, err := WriteTempFile(fs, path, data, perm)
	if err != nil {
		return err
	}

	if err := fs.Rename(tmp, path); err != nil {
		fs.Remove(tmp)

		return fmt.Errorf("cannot rename %s to %s: %w", tmp, path, err)
	}

	return nil
}

func IsTempFile(name string) bool {
	base := filepath.Base(name)

	return strings.HasPrefix(base, ".") && strings.HasSuffix(base, tempFileSuffix)
}

func FileExists(fs afero.Fs, path string) bool {
	if path == "" {
		return false
	}

	_, err := fs.Stat(path)

	return err == nil
}

// DetectMIMEType guesses the type by extension and falls back to content sniffing.
func DetectMIMEType(fs afero.Fs, filePath string) (string, error) {
	if ext := filepath.Ext(filePath); ext != "" {
		if mimeType := mime.TypeByExtension(ext); mimeType != "" {
			return mimeType, nil
		}
	}

	file, err := fs.Open(filePath)
	if err != nil {
		return MIMETypeUnknown, err
	}
	defer file.Close()

	buffer := make([]byte, mimeTypeCheckPartSize)
	n, err := file.Read(buffer)
	if err != nil && err != io.EOF {
		return MIMETypeUnknown, err
	}

	return http.DetectContentType(buffer[:n]), nil
}
