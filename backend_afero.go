package cryptovault

import (
	"context"
	"path"

	"github.com/spf13/afero"
)

// AferoBackend stores a vault on an afero filesystem
type AferoBackend struct {
	fs afero.Fs
}

// NewAferoBackend wraps an afero filesystem. A nil fs selects the OS filesystem.
func NewAferoBackend(fsys afero.Fs) *AferoBackend {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	return &AferoBackend{fs: fsys}
}

func (b *AferoBackend) ReadFile(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return afero.ReadFile(b.fs, name)
}

func (b *AferoBackend) WriteFile(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return afero.WriteFile(b.fs, name, data, 0o600)
}

func (b *AferoBackend) List(ctx context.Context, dir string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	infos, err := afero.ReadDir(b.fs, dir)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(infos))
	for _, info := range infos {
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

func (b *AferoBackend) CreateDir(ctx context.Context, dir string, recursive bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if recursive {
		return b.fs.MkdirAll(dir, 0o700)
	}
	return b.fs.Mkdir(dir, 0o700)
}

func (b *AferoBackend) Remove(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.fs.Remove(name)
}

func (b *AferoBackend) RemoveAll(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.fs.RemoveAll(name)
}

func (b *AferoBackend) Rename(ctx context.Context, oldPath, newPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.fs.Rename(oldPath, newPath)
}

func (b *AferoBackend) Exists(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return afero.Exists(b.fs, name)
}
