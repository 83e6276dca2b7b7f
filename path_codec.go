package cryptovault

import (
	"crypto/sha1"
	"encoding/base32"
	"encoding/base64"
	"fmt"
	"path"
	"strings"
)

var dirHashEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Location is where an item's entry lives under its parent's content directory
type Location struct {
	// ParentPath is the content directory of the parent
	ParentPath string
	// EncryptedName is the full "<base64url>.c9r" name
	EncryptedName string
	// EntryName is EncryptedName, or its "<hash>.c9s" replacement when shortened
	EntryName string
	// Shortened reports whether the entry is a .c9s container
	Shortened bool
}

// Path returns the physical path of the entry
func (l Location) Path() string {
	return path.Join(l.ParentPath, l.EntryName)
}

// NameFilePath returns the path of name.c9s for shortened entries
func (l Location) NameFilePath() string {
	return path.Join(l.Path(), NameFile)
}

// PayloadPath returns where the item's data is stored: the entry itself for
// plain files, contents.c9r inside a shortened file, or dir.c9r for directories.
func (l Location) PayloadPath(kind ItemKind) string {
	switch {
	case kind == KindDirectory:
		return path.Join(l.Path(), DirFile)
	case l.Shortened:
		return path.Join(l.Path(), ContentsFile)
	default:
		return l.Path()
	}
}

// PathCodec maps directory IDs to content directories and encrypts names.
// Name encryption is deterministic: the same name under the same parent
// always produces the same entry.
type PathCodec struct {
	root      string
	siv       SIV
	threshold int
}

// NewPathCodec creates a codec for the vault stored at root
func NewPathCodec(root string, siv SIV, shorteningThreshold int) *PathCodec {
	return &PathCodec{
		root:      root,
		siv:       siv,
		threshold: shorteningThreshold,
	}
}

// destroy wipes the name cipher's key material
func (c *PathCodec) destroy() {
	if d, ok := c.siv.(interface{ Destroy() }); ok {
		d.Destroy()
	}
}

// Threshold returns the maximum length of an unshortened entry name
func (c *PathCodec) Threshold() int {
	return c.threshold
}

// DirPath returns the content directory of a directory ID:
// <root>/d/<2 chars>/<30 chars> of base32(SHA1(SIV(dirID))).
func (c *PathCodec) DirPath(id DirID) string {
	sealed := c.siv.Seal([]byte(id))
	sum := sha1.Sum(sealed)
	hash := dirHashEncoding.EncodeToString(sum[:])
	return path.Join(c.root, DataDirName, hash[:2], hash[2:])
}

// EncryptName seals name with the parent ID as associated data and returns
// it base64url encoded, without suffix.
func (c *PathCodec) EncryptName(name string, parent DirID) string {
	sealed := c.siv.Seal([]byte(name), []byte(parent))
	return base64.URLEncoding.EncodeToString(sealed)
}

// DecryptName reverses EncryptName. A trailing .c9r is ignored and both
// padded and unpadded base64url are accepted.
func (c *PathCodec) DecryptName(encrypted string, parent DirID) (string, error) {
	encoded := strings.TrimRight(strings.TrimSuffix(encrypted, RegularSuffix), "=")
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", newDecryptionError(TargetItemName, "", fmt.Errorf("%w: %v", ErrMalformedEntry, err))
	}
	plain, err := c.siv.Open(data, []byte(parent))
	if err != nil {
		return "", newDecryptionError(TargetItemName, "", err)
	}
	return string(plain), nil
}

// Locate computes where an item named name lives under parent, applying
// the shortening rule.
func (c *PathCodec) Locate(name string, parent DirID) Location {
	encrypted := c.EncryptName(name, parent) + RegularSuffix
	loc := Location{
		ParentPath:    c.DirPath(parent),
		EncryptedName: encrypted,
		EntryName:     encrypted,
	}
	if c.IsLong(encrypted) {
		loc.EntryName = ShortenedName(encrypted)
		loc.Shortened = true
	}
	return loc
}

// IsLong reports whether an encrypted .c9r name exceeds the threshold
func (c *PathCodec) IsLong(encryptedName string) bool {
	return len(encryptedName) > c.threshold
}

// ShortenedName returns the container name for a long encrypted name
func ShortenedName(encryptedName string) string {
	sum := sha1.Sum([]byte(encryptedName))
	return base64.URLEncoding.EncodeToString(sum[:]) + ShortenedSuffix
}
