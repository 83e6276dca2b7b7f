package cryptovault

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path"

	"github.com/absfs/absfs"
)

// FileSystemBackend stores a vault on any absfs.FileSystem
type FileSystemBackend struct {
	fs   absfs.FileSystem
	perm os.FileMode
}

// NewFileSystemBackend wraps an absfs filesystem
func NewFileSystemBackend(fsys absfs.FileSystem) *FileSystemBackend {
	return &FileSystemBackend{fs: fsys, perm: 0o700}
}

func (b *FileSystemBackend) ReadFile(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := b.fs.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (b *FileSystemBackend) WriteFile(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f, err := b.fs.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (b *FileSystemBackend) List(ctx context.Context, dir string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := b.fs.Open(dir)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	infos, err := f.Readdir(-1)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	entries := make([]Entry, 0, len(infos))
	for _, info := range infos {
		if info.Name() == "." || info.Name() == ".." {
			continue
		}
		entries = append(entries, Entry{
			Name:    info.Name(),
			Path:    path.Join(dir, info.Name()),
			IsDir:   info.IsDir(),
			ModTime: info.ModTime(),
			Size:    info.Size(),
		})
	}
	return entries, nil
}

func (b *FileSystemBackend) CreateDir(ctx context.Context, dir string, recursive bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if recursive {
		return b.fs.MkdirAll(dir, b.perm)
	}
	return b.fs.Mkdir(dir, b.perm)
}

func (b *FileSystemBackend) Remove(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.fs.Remove(name)
}

func (b *FileSystemBackend) RemoveAll(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.fs.RemoveAll(name)
}

func (b *FileSystemBackend) Rename(ctx context.Context, oldPath, newPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.fs.Rename(oldPath, newPath)
}

func (b *FileSystemBackend) Exists(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := b.fs.Stat(name)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) || os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
