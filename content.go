package cryptovault

import (
	"context"
	"crypto/hmac"
	"encoding/binary"
	"fmt"
)

// Encrypted file layout:
//
//	┌──────────────────────────────────────────────┐
//	│ Header (88 bytes)                            │
//	│  - Nonce (16)                                │
//	│  - AES-CTR(encKey, nonce)(0xFF*8 ‖ key) (40) │
//	│  - HMAC-SHA256(macKey, nonce ‖ payload) (32) │
//	├──────────────────────────────────────────────┤
//	│ Chunk i (up to 32768 + 48 bytes)             │
//	│  - Nonce (16)                                │
//	│  - AES-CTR(contentKey, nonce)(plaintext)     │
//	│  - HMAC-SHA256(macKey, headerNonce ‖         │
//	│      be64(i) ‖ nonce ‖ ciphertext) (32)      │
//	└──────────────────────────────────────────────┘
const (
	HeaderNonceSize   = 16
	HeaderPayloadSize = 8 + KeySize
	HeaderMacSize     = 32
	HeaderSize        = HeaderNonceSize + HeaderPayloadSize + HeaderMacSize

	ChunkNonceSize   = 16
	ChunkPayloadSize = 32 * 1024
	ChunkMacSize     = 32
	ChunkOverhead    = ChunkNonceSize + ChunkMacSize
	ChunkSize        = ChunkPayloadSize + ChunkOverhead
)

// FileHeader is the decrypted form of a file header
type FileHeader struct {
	Nonce      []byte
	ContentKey []byte
}

// Destroy wipes the content key
func (h *FileHeader) Destroy() {
	if h != nil {
		zero(h.ContentKey)
	}
}

// ContentCipher encrypts and decrypts file bodies with the vault's master keys
type ContentCipher struct {
	crypto      CryptoProvider
	encKey      []byte
	macKey      []byte
	concurrency int
}

// NewContentCipher creates a content cipher. concurrency bounds the number of
// chunks processed at once by Encrypt and Decrypt.
func NewContentCipher(p CryptoProvider, keys *MasterKeySet, concurrency int) (*ContentCipher, error) {
	if err := ValidateKey(keys.EncKey, "enc_key", KeySize); err != nil {
		return nil, err
	}
	if err := ValidateKey(keys.MacKey, "mac_key", KeySize); err != nil {
		return nil, err
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &ContentCipher{
		crypto:      p,
		encKey:      keys.EncKey,
		macKey:      keys.MacKey,
		concurrency: concurrency,
	}, nil
}

// destroy drops the master keys; later calls fail instead of using zero keys
func (c *ContentCipher) destroy() {
	c.encKey, c.macKey = nil, nil
}

// NewHeader generates a header with a fresh nonce and content key
func (c *ContentCipher) NewHeader() (*FileHeader, error) {
	nonce, err := randomBytes(c.crypto, HeaderNonceSize)
	if err != nil {
		return nil, err
	}
	key, err := randomBytes(c.crypto, KeySize)
	if err != nil {
		return nil, err
	}
	return &FileHeader{Nonce: nonce, ContentKey: key}, nil
}

// EncryptHeader serializes and authenticates h
func (c *ContentCipher) EncryptHeader(h *FileHeader) ([]byte, error) {
	out := make([]byte, HeaderSize)
	copy(out, h.Nonce)

	payload := out[HeaderNonceSize : HeaderNonceSize+HeaderPayloadSize]
	for i := 0; i < 8; i++ {
		payload[i] = 0xff
	}
	copy(payload[8:], h.ContentKey)

	stream, err := c.crypto.NewCTR(c.encKey, h.Nonce)
	if err != nil {
		return nil, err
	}
	stream.XORKeyStream(payload, payload)

	m := c.crypto.NewMAC(c.macKey)
	m.Write(out[:HeaderNonceSize+HeaderPayloadSize])
	m.Sum(out[:HeaderNonceSize+HeaderPayloadSize])
	return out, nil
}

// DecryptHeader authenticates the first HeaderSize bytes of data and only
// then decrypts the content key.
func (c *ContentCipher) DecryptHeader(data []byte) (*FileHeader, error) {
	if len(data) < HeaderSize {
		return nil, newSignatureError(TargetFile, "", -1, fmt.Errorf("%w: header truncated to %d bytes", ErrMalformedEntry, len(data)))
	}
	authenticated := data[:HeaderNonceSize+HeaderPayloadSize]
	tag := data[HeaderNonceSize+HeaderPayloadSize : HeaderSize]

	m := c.crypto.NewMAC(c.macKey)
	m.Write(authenticated)
	if !hmac.Equal(tag, m.Sum(nil)) {
		return nil, newSignatureError(TargetFile, "", -1, ErrAuthFailed)
	}

	nonce := append([]byte(nil), data[:HeaderNonceSize]...)
	payload := make([]byte, HeaderPayloadSize)
	stream, err := c.crypto.NewCTR(c.encKey, nonce)
	if err != nil {
		return nil, err
	}
	stream.XORKeyStream(payload, data[HeaderNonceSize:HeaderNonceSize+HeaderPayloadSize])

	key := append([]byte(nil), payload[8:]...)
	zero(payload)
	return &FileHeader{Nonce: nonce, ContentKey: key}, nil
}

// chunkMac computes the MAC binding a chunk to its file and position
func (c *ContentCipher) chunkMac(headerNonce []byte, index int64, nonceAndCiphertext []byte) []byte {
	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], uint64(index))

	m := c.crypto.NewMAC(c.macKey)
	m.Write(headerNonce)
	m.Write(idx[:])
	m.Write(nonceAndCiphertext)
	return m.Sum(nil)
}

// sealChunk writes nonce ‖ ciphertext ‖ mac of plaintext into dst, which
// must hold len(plaintext)+ChunkOverhead bytes.
func (c *ContentCipher) sealChunk(dst []byte, h *FileHeader, index int64, nonce, plaintext []byte) error {
	copy(dst, nonce)
	body := dst[ChunkNonceSize : ChunkNonceSize+len(plaintext)]

	stream, err := c.crypto.NewCTR(h.ContentKey, nonce)
	if err != nil {
		return err
	}
	stream.XORKeyStream(body, plaintext)

	copy(dst[ChunkNonceSize+len(plaintext):], c.chunkMac(h.Nonce, index, dst[:ChunkNonceSize+len(plaintext)]))
	return nil
}

// EncryptChunk encrypts one plaintext chunk of at most ChunkPayloadSize bytes
func (c *ContentCipher) EncryptChunk(h *FileHeader, index int64, plaintext []byte) ([]byte, error) {
	if len(plaintext) > ChunkPayloadSize {
		return nil, NewValidationError("chunk", len(plaintext), "chunk exceeds 32768 bytes")
	}
	nonce, err := randomBytes(c.crypto, ChunkNonceSize)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(plaintext)+ChunkOverhead)
	if err := c.sealChunk(out, h, index, nonce, plaintext); err != nil {
		return nil, err
	}
	return out, nil
}

// openChunk verifies chunk and decrypts it into dst
func (c *ContentCipher) openChunk(dst []byte, h *FileHeader, index int64, chunk []byte) error {
	if len(chunk) < ChunkOverhead || len(chunk) > ChunkSize {
		return newSignatureError(TargetFile, "", index, fmt.Errorf("%w: chunk of %d bytes", ErrMalformedEntry, len(chunk)))
	}
	macOffset := len(chunk) - ChunkMacSize
	if !hmac.Equal(chunk[macOffset:], c.chunkMac(h.Nonce, index, chunk[:macOffset])) {
		return newSignatureError(TargetFile, "", index, ErrAuthFailed)
	}

	stream, err := c.crypto.NewCTR(h.ContentKey, chunk[:ChunkNonceSize])
	if err != nil {
		return err
	}
	stream.XORKeyStream(dst[:macOffset-ChunkNonceSize], chunk[ChunkNonceSize:macOffset])
	return nil
}

// DecryptChunk verifies and decrypts one chunk
func (c *ContentCipher) DecryptChunk(h *FileHeader, index int64, chunk []byte) ([]byte, error) {
	if len(chunk) < ChunkOverhead {
		return nil, newSignatureError(TargetFile, "", index, fmt.Errorf("%w: chunk of %d bytes", ErrMalformedEntry, len(chunk)))
	}
	out := make([]byte, len(chunk)-ChunkOverhead)
	if err := c.openChunk(out, h, index, chunk); err != nil {
		return nil, err
	}
	return out, nil
}

// Encrypt produces the complete encrypted form of plaintext with a fresh
// header, content key and per-chunk nonces.
func (c *ContentCipher) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	h, err := c.NewHeader()
	if err != nil {
		return nil, err
	}
	defer h.Destroy()

	out := make([]byte, CiphertextSize(int64(len(plaintext))))
	header, err := c.EncryptHeader(h)
	if err != nil {
		return nil, err
	}
	copy(out, header)

	n := chunkCount(int64(len(plaintext)))
	// nonces are drawn up front so a non thread-safe random source is never shared
	nonces, err := randomBytes(c.crypto, n*ChunkNonceSize)
	if err != nil {
		return nil, err
	}

	err = runParallel(ctx, n, c.concurrency, func(_ context.Context, i int) error {
		start := i * ChunkPayloadSize
		end := min(start+ChunkPayloadSize, len(plaintext))
		dst := out[HeaderSize+i*ChunkSize : HeaderSize+i*ChunkSize+(end-start)+ChunkOverhead]
		return c.sealChunk(dst, h, int64(i), nonces[i*ChunkNonceSize:(i+1)*ChunkNonceSize], plaintext[start:end])
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Decrypt verifies the header and every chunk and returns the plaintext.
// On any failure no plaintext is returned.
func (c *ContentCipher) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	size, err := CleartextSize(int64(len(ciphertext)))
	if err != nil {
		return nil, newSignatureError(TargetFile, "", -1, err)
	}
	h, err := c.DecryptHeader(ciphertext)
	if err != nil {
		return nil, err
	}
	defer h.Destroy()

	out := make([]byte, size)
	body := ciphertext[HeaderSize:]
	n := (len(body) + ChunkSize - 1) / ChunkSize

	err = runParallel(ctx, n, c.concurrency, func(_ context.Context, i int) error {
		chunk := body[i*ChunkSize : min((i+1)*ChunkSize, len(body))]
		return c.openChunk(out[i*ChunkPayloadSize:], h, int64(i), chunk)
	})
	if err != nil {
		zero(out)
		return nil, err
	}
	return out, nil
}

// chunkCount returns the number of chunks for a plaintext size
func chunkCount(cleartextSize int64) int {
	return int((cleartextSize + ChunkPayloadSize - 1) / ChunkPayloadSize)
}

// CiphertextSize returns the encrypted size of a plaintext of the given size
func CiphertextSize(cleartextSize int64) int64 {
	return HeaderSize + cleartextSize + int64(chunkCount(cleartextSize))*ChunkOverhead
}

// CleartextSize returns the plaintext size of an encrypted file of the
// given size, or an error if no valid file has that size.
func CleartextSize(ciphertextSize int64) (int64, error) {
	if ciphertextSize < HeaderSize {
		return 0, fmt.Errorf("%w: %d bytes is shorter than a file header", ErrMalformedEntry, ciphertextSize)
	}
	body := ciphertextSize - HeaderSize
	full, rest := body/ChunkSize, body%ChunkSize
	if rest > 0 && rest < ChunkOverhead {
		return 0, fmt.Errorf("%w: trailing chunk of %d bytes", ErrMalformedEntry, rest)
	}
	size := full * ChunkPayloadSize
	if rest > 0 {
		size += rest - ChunkOverhead
	}
	return size, nil
}
