package cryptovault

import (
	"context"
	"time"
)

// Entry describes one child returned by Backend.List
type Entry struct {
	Name    string
	Path    string
	IsDir   bool
	ModTime time.Time
	Size    int64
}

// Backend stores the encrypted vault. Paths are opaque, slash separated
// strings; the backend knows nothing about vault semantics. Errors for
// missing paths should satisfy errors.Is(err, fs.ErrNotExist).
type Backend interface {
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte) error
	List(ctx context.Context, path string) ([]Entry, error)
	CreateDir(ctx context.Context, path string, recursive bool) error
	Remove(ctx context.Context, path string) error
	RemoveAll(ctx context.Context, path string) error
	Rename(ctx context.Context, oldPath, newPath string) error
	Exists(ctx context.Context, path string) (bool, error)
}

// ReadText reads a file as a string
func ReadText(ctx context.Context, b Backend, path string) (string, error) {
	data, err := b.ReadFile(ctx, path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// WriteText writes a string to a file
func WriteText(ctx context.Context, b Backend, path, text string) error {
	return b.WriteFile(ctx, path, []byte(text))
}
