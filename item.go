package cryptovault

import (
	"sync"
	"time"
)

// ItemKind distinguishes files from directories
type ItemKind uint8

const (
	KindFile ItemKind = iota
	KindDirectory
)

// String returns the string representation of the kind
func (k ItemKind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDirectory:
		return "directory"
	default:
		return "unknown"
	}
}

// Item is a file or directory of an open vault. Items are views of the
// backend at the time they were listed and hold no locks; they go stale if
// the backend changes underneath them.
type Item struct {
	Kind ItemKind
	// Name is the plaintext name
	Name string
	// ParentID is the DirID of the containing directory
	ParentID DirID
	// Location is the physical entry under the parent's content directory
	Location Location
	ModTime  time.Time
	// Size is the plaintext size of a file, or -1 when unknown
	Size int64

	dir  *dirIDCell
	root bool
}

// dirIDCell caches a directory's own DirID. A directory's ID never changes,
// so a valid cell is only cleared by an explicit invalidation.
type dirIDCell struct {
	mu    sync.Mutex
	id    DirID
	valid bool
}

func (c *dirIDCell) get() (DirID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id, c.valid
}

func (c *dirIDCell) set(id DirID) {
	c.mu.Lock()
	c.id, c.valid = id, true
	c.mu.Unlock()
}

func (c *dirIDCell) invalidate() {
	c.mu.Lock()
	c.id, c.valid = "", false
	c.mu.Unlock()
}

func newFileItem(name string, parent DirID, loc Location) *Item {
	return &Item{Kind: KindFile, Name: name, ParentID: parent, Location: loc, Size: -1}
}

func newDirItem(name string, parent DirID, loc Location) *Item {
	return &Item{Kind: KindDirectory, Name: name, ParentID: parent, Location: loc, Size: -1, dir: &dirIDCell{}}
}

func newRootItem() *Item {
	it := &Item{Kind: KindDirectory, Size: -1, dir: &dirIDCell{}, root: true}
	it.dir.set(RootDirID)
	return it
}

// IsDir reports whether the item is a directory
func (i *Item) IsDir() bool {
	return i.Kind == KindDirectory
}

// IsRoot reports whether the item is the vault root
func (i *Item) IsRoot() bool {
	return i.root
}

// Shortened reports whether the item is stored in a .c9s container
func (i *Item) Shortened() bool {
	return i.Location.Shortened
}

// Path returns the physical path of the item's entry
func (i *Item) Path() string {
	return i.Location.Path()
}

// InvalidateDirID drops the cached DirID so the next lookup reads dir.c9r
// again. It has no effect on files or the root.
func (i *Item) InvalidateDirID() {
	if i.dir != nil && !i.root {
		i.dir.invalidate()
	}
}

func (i *Item) String() string {
	if i.root {
		return "/"
	}
	return i.Name
}
