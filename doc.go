// Package cryptovault reads and writes Cryptomator format 8 vaults on any
// byte-oriented storage backend.
//
// # Overview
//
// A vault is a directory holding a wrapped master key, a signed
// configuration token and a tree of encrypted directories and files:
//
//	vault/
//	├── masterkey.cryptomator   scrypt parameters and AES-wrapped keys
//	├── vault.cryptomator       HS256 token (format, shortening threshold)
//	└── d/
//	    └── XX/YYYYYYYYYYYYYYYYYYYYYYYYYYYYYY/   content of one directory
//	        ├── dirid.c9r                        encrypted DirID backup
//	        ├── <name>.c9r                       file
//	        ├── <name>.c9r/dir.c9r               subdirectory
//	        └── <hash>.c9s/                      entry with a long name
//	            ├── name.c9s
//	            └── contents.c9r | dir.c9r
//
// Directories are identified by a random DirID. Their content lives at a
// path derived only from that ID, so renaming or moving a directory only
// touches its entry in the parent.
//
// # Cryptography
//
//   - Master keys: two 256-bit keys wrapped with RFC 3394 AES Key Wrap under
//     an scrypt-derived KEK.
//   - Names: deterministic AES-SIV with the parent DirID as associated data,
//     base64url encoded.
//   - Content: an 88 byte header carrying a per-file key, followed by
//     32 KiB chunks encrypted with AES-CTR and authenticated with
//     HMAC-SHA256 over the header nonce, chunk index and ciphertext.
//
// # Basic Usage
//
//	backend := cryptovault.NewAferoBackend(afero.NewOsFs())
//
//	v, err := cryptovault.Create(ctx, backend, "/data/vault", "password", cryptovault.CreateOptions{})
//	if err != nil {
//	    return err
//	}
//	defer v.Close()
//
//	docs, err := v.CreateDirectory(ctx, "docs", cryptovault.RootDirID)
//	id, _ := v.DirID(ctx, docs)
//	_, err = v.WriteFile(ctx, "notes.txt", id, []byte("hello"))
//
// Open unlocks an existing vault. A wrong password is reported by an error
// for which IsWrongPassword returns true.
//
// # Concurrency
//
// Listing decrypts names concurrently, and large files are encrypted and
// decrypted on several goroutines; WithConcurrency bounds both. The vault
// takes no locks on the backend: concurrent structural changes to the same
// items race, and callers needing isolation must serialize them.
//
// # Limitations
//
//   - An operation cancelled in the middle of a multi-step write may leave a
//     partial entry behind. Failed writes clean up after themselves, but
//     a crash cannot be recovered from.
//   - The content format cannot detect removal of whole trailing chunks.
//   - Symbolic links are skipped when listing.
package cryptovault
