package media

import (
	"fmt"
	"os"
	"path/filepath"
)

// File is an in-memory image blob together with the metadata a caller
// declared for it. The core only reads it.
type File struct {
	Name string
	MIME string
	Data []byte
}

// NewFile returns a File. An empty mime is left empty; callers that want
// a sniffed type should use ReadFile or Sniff.
func NewFile(name, mime string, data []byte) *File {
	return &File{Name: name, MIME: mime, Data: data}
}

// Size returns the byte length of the file.
func (f *File) Size() int64 {
	if f == nil {
		return 0
	}
	return int64(len(f.Data))
}

// ReadFile loads a file from disk and fills its MIME type from the content.
func ReadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return &File{
		Name: filepath.Base(path),
		MIME: Sniff(data),
		Data: data,
	}, nil
}

// WriteFile writes the file contents into dir under its own name and
// returns the full path.
func (f *File) WriteFile(dir string) (string, error) {
	out := filepath.Join(dir, f.Name)
	if err := f.WritePath(out); err != nil {
		return "", err
	}
	return out, nil
}

// WritePath writes the file contents to path through a temporary file
// in the same directory, creating parent directories as needed.
func (f *File) WritePath(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, f.Data, 0644); err != nil {
		return fmt.Errorf("write tmp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename output: %w", err)
	}
	return nil
}
