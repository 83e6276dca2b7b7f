package cryptovault

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ListItems returns the files and directories stored in directory id.
// Names are decrypted concurrently. An entry that cannot be decrypted or is
// malformed does not hide the others: the valid items are returned together
// with the per-entry errors combined by multierr.
func (v *Vault) ListItems(ctx context.Context, id DirID) ([]*Item, error) {
	if err := v.checkOpen(); err != nil {
		return nil, err
	}
	dirPath := v.codec.DirPath(id)
	entries, err := v.backend.List(ctx, dirPath)
	if err != nil {
		return nil, err
	}

	items := make([]*Item, len(entries))
	errs := make([]error, len(entries))
	err = runParallel(ctx, len(entries), v.concurrency, func(ctx context.Context, i int) error {
		items[i], errs[i] = v.resolveEntry(ctx, id, dirPath, entries[i])
		return ctx.Err()
	})
	if err != nil {
		return nil, err
	}

	result := make([]*Item, 0, len(items))
	for _, it := range items {
		if it != nil {
			result = append(result, it)
		}
	}
	return result, multierr.Combine(errs...)
}

// resolveEntry turns a raw backend entry into an item. It returns a nil item
// and nil error for entries that are not vault items.
func (v *Vault) resolveEntry(ctx context.Context, parent DirID, dirPath string, e Entry) (*Item, error) {
	var (
		kind      ItemKind
		encrypted string
		size      int64 = -1
		shortened bool
	)

	switch {
	case e.Name == DirIDBackupFile:
		return nil, nil

	case strings.HasSuffix(e.Name, RegularSuffix):
		encrypted = e.Name
		if !e.IsDir {
			kind = KindFile
			if n, err := CleartextSize(e.Size); err == nil {
				size = n
			}
			break
		}
		children, err := v.childNames(ctx, e.Path)
		if err != nil {
			return nil, err
		}
		switch {
		case children[DirFile]:
			kind = KindDirectory
		case children[SymlinkFile]:
			v.logger.Debug("skipping symlink", zap.String("path", e.Path))
			return nil, nil
		default:
			return nil, fmt.Errorf("%w: %s has no %s", ErrMalformedEntry, e.Path, DirFile)
		}

	case strings.HasSuffix(e.Name, ShortenedSuffix):
		shortened = true
		children, err := v.listChildren(ctx, e.Path)
		if err != nil {
			return nil, err
		}
		switch {
		case children[DirFile] != nil:
			kind = KindDirectory
		case children[ContentsFile] != nil:
			kind = KindFile
			if n, err := CleartextSize(children[ContentsFile].Size); err == nil {
				size = n
			}
		case children[SymlinkFile] != nil:
			v.logger.Debug("skipping symlink", zap.String("path", e.Path))
			return nil, nil
		default:
			return nil, fmt.Errorf("%w: %s has no payload", ErrMalformedEntry, e.Path)
		}
		full, err := ReadText(ctx, v.backend, path.Join(e.Path, NameFile))
		if err != nil {
			return nil, fmt.Errorf("failed to read long name of %s: %w", e.Path, err)
		}
		encrypted = strings.TrimSpace(full)

	default:
		v.logger.Debug("ignoring unknown entry", zap.String("path", e.Path))
		return nil, nil
	}

	name, err := v.codec.DecryptName(encrypted, parent)
	if err != nil {
		return nil, withPath(err, e.Path)
	}

	loc := Location{
		ParentPath:    dirPath,
		EncryptedName: encrypted,
		EntryName:     e.Name,
		Shortened:     shortened,
	}
	var it *Item
	if kind == KindDirectory {
		it = newDirItem(name, parent, loc)
	} else {
		it = newFileItem(name, parent, loc)
		it.Size = size
	}
	it.ModTime = e.ModTime
	return it, nil
}

func (v *Vault) listChildren(ctx context.Context, p string) (map[string]*Entry, error) {
	entries, err := v.backend.List(ctx, p)
	if err != nil {
		return nil, err
	}
	children := make(map[string]*Entry, len(entries))
	for i := range entries {
		children[entries[i].Name] = &entries[i]
	}
	return children, nil
}

func (v *Vault) childNames(ctx context.Context, p string) (map[string]bool, error) {
	entries, err := v.backend.List(ctx, p)
	if err != nil {
		return nil, err
	}
	names := make(map[string]bool, len(entries))
	for _, e := range entries {
		names[e.Name] = true
	}
	return names, nil
}

// DirID returns the DirID of a directory item, reading dir.c9r on the first
// call and serving the cached value afterwards.
func (v *Vault) DirID(ctx context.Context, it *Item) (DirID, error) {
	if err := v.checkOpen(); err != nil {
		return "", err
	}
	if !it.IsDir() {
		return "", ErrNotDirectory
	}
	if id, ok := it.dir.get(); ok {
		return id, nil
	}
	raw, err := ReadText(ctx, v.backend, it.Location.PayloadPath(KindDirectory))
	if err != nil {
		return "", fmt.Errorf("failed to read directory ID: %w", err)
	}
	id := DirID(raw)
	it.dir.set(id)
	return id, nil
}

// Lookup resolves a slash separated plaintext path from the root
func (v *Vault) Lookup(ctx context.Context, p string) (*Item, error) {
	if err := v.checkOpen(); err != nil {
		return nil, err
	}
	cur := v.rootItem
	for _, part := range strings.Split(strings.Trim(p, "/"), "/") {
		if part == "" || part == "." {
			continue
		}
		id, err := v.DirID(ctx, cur)
		if err != nil {
			return nil, err
		}
		items, listErr := v.ListItems(ctx, id)
		if items == nil && listErr != nil {
			return nil, listErr
		}
		var next *Item
		for _, it := range items {
			if it.Name == part {
				next = it
				break
			}
		}
		if next == nil {
			return nil, &fs.PathError{Op: "lookup", Path: p, Err: fs.ErrNotExist}
		}
		cur = next
	}
	return cur, nil
}

// CreateDirectory creates a directory named name in parent. Both the entry
// (dir.c9r holding the new DirID) and the new directory's own content path
// are written; if either fails the other is removed again.
func (v *Vault) CreateDirectory(ctx context.Context, name string, parent DirID) (*Item, error) {
	if err := v.checkOpen(); err != nil {
		return nil, err
	}
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	loc := v.codec.Locate(name, parent)
	if err := v.ensureFree(ctx, loc, name); err != nil {
		return nil, err
	}

	id := DirID(uuid.NewString())
	err := v.createDirEntry(ctx, loc, id)
	if err == nil {
		err = v.initContentDir(ctx, id)
	}
	if err != nil {
		v.cleanup(ctx, loc.Path(), v.codec.DirPath(id))
		return nil, err
	}

	it := newDirItem(name, parent, loc)
	it.dir.set(id)
	it.ModTime = time.Now()
	v.logger.Debug("created directory", zap.String("dir_id", string(id)), zap.String("path", loc.Path()))
	return it, nil
}

func (v *Vault) createDirEntry(ctx context.Context, loc Location, id DirID) error {
	if err := v.backend.CreateDir(ctx, loc.Path(), true); err != nil {
		return err
	}
	if loc.Shortened {
		if err := WriteText(ctx, v.backend, loc.NameFilePath(), loc.EncryptedName); err != nil {
			return err
		}
	}
	return WriteText(ctx, v.backend, loc.PayloadPath(KindDirectory), string(id))
}

// WriteFile encrypts content and stores it as a new file named name in
// parent. It fails with ExistsError if the name is taken.
func (v *Vault) WriteFile(ctx context.Context, name string, parent DirID, content []byte) (*Item, error) {
	if err := v.checkOpen(); err != nil {
		return nil, err
	}
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	loc := v.codec.Locate(name, parent)
	if err := v.ensureFree(ctx, loc, name); err != nil {
		return nil, err
	}
	ciphertext, err := v.content.Encrypt(ctx, content)
	if err != nil {
		return nil, err
	}
	return v.storeFile(ctx, name, parent, loc, ciphertext, int64(len(content)))
}

// WriteFileFrom is WriteFile for content read from r. The content is
// encrypted one chunk at a time as it is read.
func (v *Vault) WriteFileFrom(ctx context.Context, name string, parent DirID, r io.Reader) (*Item, error) {
	if err := v.checkOpen(); err != nil {
		return nil, err
	}
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	loc := v.codec.Locate(name, parent)
	if err := v.ensureFree(ctx, loc, name); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w, err := v.content.NewEncryptWriter(&buf)
	if err != nil {
		return nil, err
	}
	n, err := io.Copy(w, r)
	if err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return v.storeFile(ctx, name, parent, loc, buf.Bytes(), n)
}

func (v *Vault) storeFile(ctx context.Context, name string, parent DirID, loc Location, ciphertext []byte, size int64) (*Item, error) {
	if loc.Shortened {
		err := v.backend.CreateDir(ctx, loc.Path(), true)
		if err == nil {
			err = WriteText(ctx, v.backend, loc.NameFilePath(), loc.EncryptedName)
		}
		if err == nil {
			err = v.backend.WriteFile(ctx, loc.PayloadPath(KindFile), ciphertext)
		}
		if err != nil {
			v.cleanup(ctx, loc.Path())
			return nil, err
		}
	} else if err := v.backend.WriteFile(ctx, loc.Path(), ciphertext); err != nil {
		return nil, err
	}

	it := newFileItem(name, parent, loc)
	it.Size = size
	it.ModTime = time.Now()
	v.logger.Debug("wrote file", zap.String("dir_id", string(parent)), zap.String("path", loc.Path()))
	return it, nil
}

// UpdateFile replaces the content of an existing file. The file gets a new
// header and content key.
func (v *Vault) UpdateFile(ctx context.Context, it *Item, content []byte) error {
	if err := v.checkOpen(); err != nil {
		return err
	}
	if it.IsDir() {
		return ErrNotFile
	}
	ciphertext, err := v.content.Encrypt(ctx, content)
	if err != nil {
		return err
	}
	if err := v.backend.WriteFile(ctx, it.Location.PayloadPath(KindFile), ciphertext); err != nil {
		return err
	}
	it.Size = int64(len(content))
	it.ModTime = time.Now()
	return nil
}

// ReadFile decrypts the content of a file item
func (v *Vault) ReadFile(ctx context.Context, it *Item) ([]byte, error) {
	if err := v.checkOpen(); err != nil {
		return nil, err
	}
	if it.IsDir() {
		return nil, ErrNotFile
	}
	p := it.Location.PayloadPath(KindFile)
	data, err := v.backend.ReadFile(ctx, p)
	if err != nil {
		return nil, err
	}
	plain, err := v.content.Decrypt(ctx, data)
	if err != nil {
		return nil, withPath(err, p)
	}
	return plain, nil
}

// OpenReader returns a reader that decrypts and authenticates the file one
// chunk at a time.
func (v *Vault) OpenReader(ctx context.Context, it *Item) (io.Reader, error) {
	if err := v.checkOpen(); err != nil {
		return nil, err
	}
	if it.IsDir() {
		return nil, ErrNotFile
	}
	data, err := v.backend.ReadFile(ctx, it.Location.PayloadPath(KindFile))
	if err != nil {
		return nil, err
	}
	return v.content.NewDecryptReader(bytes.NewReader(data)), nil
}

// Rename gives an item a new name in the same directory. The entry is
// rebuilt from scratch for the new name, so an item may move between the
// plain and the shortened form in either direction.
func (v *Vault) Rename(ctx context.Context, it *Item, newName string) error {
	if err := v.checkOpen(); err != nil {
		return err
	}
	if it.IsRoot() {
		return ErrRootItem
	}
	if err := ValidateName(newName); err != nil {
		return err
	}
	if newName == it.Name {
		return nil
	}
	if err := v.relocate(ctx, it, v.codec.Locate(newName, it.ParentID), newName); err != nil {
		return err
	}
	it.Name = newName
	return nil
}

// Move moves an item into the directory newParent, keeping its name. A
// directory keeps its DirID, so its content is not touched.
func (v *Vault) Move(ctx context.Context, it *Item, newParent DirID) error {
	if err := v.checkOpen(); err != nil {
		return err
	}
	if it.IsRoot() {
		return ErrRootItem
	}
	if newParent == it.ParentID {
		return nil
	}
	if it.IsDir() {
		id, err := v.DirID(ctx, it)
		if err != nil {
			return err
		}
		subtree, err := v.collectDirIDs(ctx, id)
		if err != nil {
			return err
		}
		for _, d := range subtree {
			if d == newParent {
				return NewValidationError("parent", string(newParent), "cannot move a directory into itself or one of its descendants")
			}
		}
	}
	if err := v.relocate(ctx, it, v.codec.Locate(it.Name, newParent), it.Name); err != nil {
		return err
	}
	it.ParentID = newParent
	return nil
}

// relocate moves the entry of it to dst, converting between the plain and
// shortened forms as needed.
func (v *Vault) relocate(ctx context.Context, it *Item, dst Location, name string) error {
	src := it.Location
	if src.Path() == dst.Path() {
		it.Location = dst
		return nil
	}
	if err := v.ensureFree(ctx, dst, name); err != nil {
		return err
	}

	var err error
	switch {
	case !src.Shortened && !dst.Shortened:
		err = v.backend.Rename(ctx, src.Path(), dst.Path())

	case src.Shortened && dst.Shortened:
		if err = v.backend.Rename(ctx, src.Path(), dst.Path()); err != nil {
			break
		}
		if err = WriteText(ctx, v.backend, dst.NameFilePath(), dst.EncryptedName); err != nil {
			v.rollback(ctx, dst.Path(), src.Path())
		}

	case !src.Shortened && dst.Shortened:
		err = v.lengthen(ctx, it.Kind, src, dst)

	default:
		err = v.unshorten(ctx, it.Kind, src, dst)
	}
	if err != nil {
		return err
	}

	v.logger.Debug("relocated item",
		zap.Stringer("kind", it.Kind),
		zap.String("from", src.Path()),
		zap.String("to", dst.Path()),
		zap.Bool("shortened", dst.Shortened))
	it.Location = dst
	return nil
}

// lengthen converts a plain entry into a shortened container
func (v *Vault) lengthen(ctx context.Context, kind ItemKind, src, dst Location) error {
	if kind == KindDirectory {
		// the entry directory already holds dir.c9r and becomes the container
		if err := v.backend.Rename(ctx, src.Path(), dst.Path()); err != nil {
			return err
		}
		if err := WriteText(ctx, v.backend, dst.NameFilePath(), dst.EncryptedName); err != nil {
			v.rollback(ctx, dst.Path(), src.Path())
			return err
		}
		return nil
	}

	err := v.backend.CreateDir(ctx, dst.Path(), true)
	if err == nil {
		err = WriteText(ctx, v.backend, dst.NameFilePath(), dst.EncryptedName)
	}
	if err == nil {
		err = v.backend.Rename(ctx, src.Path(), dst.PayloadPath(KindFile))
	}
	if err != nil {
		v.cleanup(ctx, dst.Path())
	}
	return err
}

// unshorten converts a shortened container into a plain entry
func (v *Vault) unshorten(ctx context.Context, kind ItemKind, src, dst Location) error {
	if kind == KindDirectory {
		if err := v.backend.Rename(ctx, src.Path(), dst.Path()); err != nil {
			return err
		}
		if err := v.backend.Remove(ctx, path.Join(dst.Path(), NameFile)); err != nil {
			v.rollback(ctx, dst.Path(), src.Path())
			return err
		}
		return nil
	}

	if err := v.backend.Rename(ctx, src.PayloadPath(KindFile), dst.Path()); err != nil {
		return err
	}
	v.cleanup(ctx, src.Path())
	return nil
}

// DeleteFile removes a file's entry
func (v *Vault) DeleteFile(ctx context.Context, it *Item) error {
	if err := v.checkOpen(); err != nil {
		return err
	}
	if it.IsDir() {
		return ErrNotFile
	}
	var err error
	if it.Shortened() {
		err = v.backend.RemoveAll(ctx, it.Path())
	} else {
		err = v.backend.Remove(ctx, it.Path())
	}
	if err != nil {
		return err
	}
	v.logger.Debug("deleted file", zap.String("path", it.Path()))
	return nil
}

// DeleteDir removes a directory with everything below it. The subtree is
// walked by DirID first; then the content directory of every descendant is
// removed concurrently, and the entry in the parent goes last.
func (v *Vault) DeleteDir(ctx context.Context, it *Item) error {
	if err := v.checkOpen(); err != nil {
		return err
	}
	if it.IsRoot() {
		return ErrRootItem
	}
	if !it.IsDir() {
		return ErrNotDirectory
	}
	id, err := v.DirID(ctx, it)
	if err != nil {
		return err
	}

	contentPaths, err := v.collectContentPaths(ctx, id)
	if err != nil {
		return err
	}

	errs := make([]error, len(contentPaths))
	err = runParallel(ctx, len(contentPaths), v.concurrency, func(ctx context.Context, i int) error {
		errs[i] = v.backend.RemoveAll(ctx, contentPaths[i])
		return ctx.Err()
	})
	if err = multierr.Append(err, multierr.Combine(errs...)); err != nil {
		return fmt.Errorf("failed to remove directory contents: %w", err)
	}

	if err := v.backend.RemoveAll(ctx, it.Path()); err != nil {
		return err
	}
	it.InvalidateDirID()
	v.logger.Debug("deleted directory",
		zap.String("dir_id", string(id)),
		zap.String("path", it.Path()),
		zap.Int("content_dirs", len(contentPaths)))
	return nil
}

// collectContentPaths returns the content directory of id and of every
// directory below it. Names are not decrypted.
func (v *Vault) collectContentPaths(ctx context.Context, id DirID) ([]string, error) {
	ids, err := v.collectDirIDs(ctx, id)
	if err != nil {
		return nil, err
	}
	paths := make([]string, len(ids))
	for i, d := range ids {
		paths[i] = v.codec.DirPath(d)
	}
	return paths, nil
}

// collectDirIDs returns id and the DirID of every directory below it,
// breadth first. Each DirID is visited once, so a cycle left by an
// inconsistent backend ends the walk instead of looping.
func (v *Vault) collectDirIDs(ctx context.Context, id DirID) ([]DirID, error) {
	seen := map[DirID]bool{id: true}
	ids := []DirID{id}
	for next := 0; next < len(ids); next++ {
		entries, err := v.backend.List(ctx, v.codec.DirPath(ids[next]))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if !e.IsDir {
				continue
			}
			raw, err := v.backend.ReadFile(ctx, path.Join(e.Path, DirFile))
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			if err != nil {
				return nil, err
			}
			child := DirID(raw)
			if seen[child] {
				v.logger.Warn("directory cycle", zap.String("dir_id", string(child)), zap.String("path", e.Path))
				continue
			}
			seen[child] = true
			ids = append(ids, child)
		}
	}
	return ids, nil
}

// WalkFunc is called for every item visited by Walk, with p the plaintext
// path relative to the start directory. A failed listing is reported with
// a nil item and the listing error. Returning fs.SkipDir for a directory
// skips its contents; any other error stops the walk.
type WalkFunc func(p string, it *Item, err error) error

// Walk visits the tree below directory id depth first
func (v *Vault) Walk(ctx context.Context, id DirID, fn WalkFunc) error {
	if err := v.checkOpen(); err != nil {
		return err
	}
	return v.walk(ctx, id, "", fn)
}

func (v *Vault) walk(ctx context.Context, id DirID, prefix string, fn WalkFunc) error {
	items, listErr := v.ListItems(ctx, id)
	if listErr != nil {
		if err := fn(prefix, nil, listErr); err != nil {
			return err
		}
	}
	for _, it := range items {
		p := path.Join(prefix, it.Name)
		err := fn(p, it, nil)
		if it.IsDir() && errors.Is(err, fs.SkipDir) {
			continue
		}
		if err != nil {
			return err
		}
		if !it.IsDir() {
			continue
		}
		childID, err := v.DirID(ctx, it)
		if err != nil {
			if err := fn(p, it, err); err != nil && !errors.Is(err, fs.SkipDir) {
				return err
			}
			continue
		}
		if err := v.walk(ctx, childID, p, fn); err != nil {
			return err
		}
	}
	return nil
}

// Problem is an item that failed verification
type Problem struct {
	Path string
	Err  error
}

// Verify decrypts every name and authenticates every file in the vault.
// It returns the items that failed; the error is reserved for failures
// that stop the check, such as cancellation.
func (v *Vault) Verify(ctx context.Context) ([]Problem, error) {
	if err := v.checkOpen(); err != nil {
		return nil, err
	}
	var problems []Problem
	err := v.Walk(ctx, RootDirID, func(p string, it *Item, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			for _, e := range multierr.Errors(err) {
				problems = append(problems, Problem{Path: "/" + p, Err: e})
			}
			return nil
		}
		if it.IsDir() {
			return nil
		}
		if _, err := v.ReadFile(ctx, it); err != nil {
			problems = append(problems, Problem{Path: "/" + p, Err: err})
		}
		return nil
	})
	if err != nil {
		return problems, err
	}
	v.logger.Info("verified vault", zap.Int("problems", len(problems)))
	return problems, nil
}

// ensureFree fails with ExistsError if loc is taken
func (v *Vault) ensureFree(ctx context.Context, loc Location, name string) error {
	exists, err := v.backend.Exists(ctx, loc.Path())
	if err != nil {
		return err
	}
	if exists {
		return &ExistsError{Path: loc.Path(), Name: name}
	}
	return nil
}

// cleanup removes partially written entries. It runs even when ctx is
// cancelled; failures are logged only.
func (v *Vault) cleanup(ctx context.Context, paths ...string) {
	removePaths(ctx, v.backend, v.logger, paths...)
}

func removePaths(ctx context.Context, backend Backend, logger *zap.Logger, paths ...string) {
	ctx = context.WithoutCancel(ctx)
	for _, p := range paths {
		if err := backend.RemoveAll(ctx, p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.Warn("cleanup failed", zap.String("path", p), zap.Error(err))
		}
	}
}

// rollback undoes a rename after a failed follow-up write
func (v *Vault) rollback(ctx context.Context, from, to string) {
	if err := v.backend.Rename(context.WithoutCancel(ctx), from, to); err != nil {
		v.logger.Warn("rollback failed", zap.String("from", from), zap.String("to", to), zap.Error(err))
	}
}
