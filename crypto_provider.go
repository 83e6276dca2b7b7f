package cryptovault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/scrypt"
)

// CryptoProvider supplies the primitives the vault is built on. It is passed
// to Create and Open explicitly; nothing reaches for a process-wide instance.
type CryptoProvider interface {
	// DeriveKEK derives the 32-byte key-encryption key from a password
	DeriveKEK(ctx context.Context, password, salt []byte, costParam, blockSize int) ([]byte, error)

	// WrapKey and UnwrapKey implement AES Key Wrap
	WrapKey(kek, key []byte) ([]byte, error)
	UnwrapKey(kek, wrapped []byte) ([]byte, error)

	// NewSIV creates the deterministic cipher used for names and directory IDs
	NewSIV(key []byte) (SIV, error)

	// NewCTR creates an AES-CTR stream with a 16-byte IV
	NewCTR(key, iv []byte) (cipher.Stream, error)

	// NewMAC creates an HMAC-SHA256 instance
	NewMAC(key []byte) hash.Hash

	// Random fills b with cryptographically secure random bytes
	Random(b []byte) error
}

// KDFFunc derives keyLen bytes from a password and salt
type KDFFunc func(password, salt []byte, costParam, blockSize, keyLen int) ([]byte, error)

// ScryptKDF is the KDF of vault format 8 (scrypt with p=1)
func ScryptKDF(password, salt []byte, costParam, blockSize, keyLen int) ([]byte, error) {
	return scrypt.Key(password, salt, costParam, blockSize, 1, keyLen)
}

// StdCryptoProvider implements CryptoProvider with the Go standard library,
// a pluggable KDF and a pluggable randomness source.
type StdCryptoProvider struct {
	kdf  KDFFunc
	rand io.Reader
}

// NewCryptoProvider creates a provider. A nil kdf selects scrypt; a nil
// reader selects crypto/rand.
func NewCryptoProvider(kdf KDFFunc, random io.Reader) *StdCryptoProvider {
	if kdf == nil {
		kdf = ScryptKDF
	}
	if random == nil {
		random = rand.Reader
	}
	return &StdCryptoProvider{kdf: kdf, rand: random}
}

// DefaultCryptoProvider returns a provider using scrypt and crypto/rand
func DefaultCryptoProvider() CryptoProvider {
	return NewCryptoProvider(nil, nil)
}

type kdfResult struct {
	key []byte
	err error
}

// DeriveKEK runs the KDF on its own goroutine so a cancelled context returns
// immediately. The abandoned derivation finishes in the background and its
// result is wiped.
func (p *StdCryptoProvider) DeriveKEK(ctx context.Context, password, salt []byte, costParam, blockSize int) ([]byte, error) {
	if len(salt) == 0 {
		return nil, errors.New("salt cannot be empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	done := make(chan kdfResult, 1)
	go func() {
		key, err := p.kdf(password, salt, costParam, blockSize, KeySize)
		done <- kdfResult{key: key, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("key derivation failed: %w", res.err)
		}
		return res.key, nil
	case <-ctx.Done():
		go func() {
			res := <-done
			zero(res.key)
		}()
		return nil, ctx.Err()
	}
}

// WrapKey wraps key under kek (RFC 3394)
func (p *StdCryptoProvider) WrapKey(kek, key []byte) ([]byte, error) {
	return WrapKey(kek, key)
}

// UnwrapKey unwraps a key wrapped by WrapKey
func (p *StdCryptoProvider) UnwrapKey(kek, wrapped []byte) ([]byte, error) {
	return UnwrapKey(kek, wrapped)
}

// NewSIV creates an AES-SIV cipher
func (p *StdCryptoProvider) NewSIV(key []byte) (SIV, error) {
	return NewAESSIV(key)
}

// NewCTR creates an AES-CTR stream
func (p *StdCryptoProvider) NewCTR(key, iv []byte) (cipher.Stream, error) {
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("CTR IV must be %d bytes, got %d", aes.BlockSize, len(iv))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	return cipher.NewCTR(block, iv), nil
}

// NewMAC creates an HMAC-SHA256 instance
func (p *StdCryptoProvider) NewMAC(key []byte) hash.Hash {
	return hmac.New(sha256.New, key)
}

// Random fills b from the provider's randomness source
func (p *StdCryptoProvider) Random(b []byte) error {
	if _, err := io.ReadFull(p.rand, b); err != nil {
		return fmt.Errorf("failed to read random bytes: %w", err)
	}
	return nil
}

// randomBytes allocates and fills n random bytes
func randomBytes(p CryptoProvider, n int) ([]byte, error) {
	b := make([]byte, n)
	if err := p.Random(b); err != nil {
		return nil, err
	}
	return b, nil
}
