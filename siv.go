package cryptovault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
)

// sivTagSize is the size of the synthetic IV prepended to every SIV ciphertext
const sivTagSize = aes.BlockSize

// SIV is a deterministic authenticated cipher.
type SIV interface {
	// Seal encrypts plaintext; the same inputs always give the same output
	Seal(plaintext []byte, ad ...[]byte) []byte

	// Open decrypts and authenticates a Seal result
	Open(ciphertext []byte, ad ...[]byte) ([]byte, error)
}

// aesSIV implements AES-SIV from RFC 5297. The first key
// half keys S2V (CMAC), the second half keys CTR.
type aesSIV struct {
	mac    cipher.Block
	ctr    cipher.Block
	k1, k2 [aes.BlockSize]byte // CMAC subkeys
}

// NewAESSIV creates an AES-SIV cipher. Key must be 32, 48 or 64 bytes;
// vaults always use 64.
func NewAESSIV(key []byte) (SIV, error) {
	switch len(key) {
	case 32, 48, 64:
	default:
		return nil, &ValidationError{
			Field:   "siv_key",
			Value:   len(key),
			Message: fmt.Sprintf("AES-SIV requires a 32, 48 or 64-byte key, got %d bytes", len(key)),
			Err:     ErrInvalidKey,
		}
	}

	half := len(key) / 2
	mac, err := aes.NewCipher(key[:half])
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	ctr, err := aes.NewCipher(key[half:])
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	s := &aesSIV{mac: mac, ctr: ctr}
	var l [aes.BlockSize]byte
	mac.Encrypt(l[:], l[:])
	s.k1 = dbl(l)
	s.k2 = dbl(s.k1)
	return s, nil
}

// Destroy wipes the CMAC subkeys and drops both block ciphers. The cipher
// panics if used afterwards.
func (s *aesSIV) Destroy() {
	zero(s.k1[:])
	zero(s.k2[:])
	s.mac, s.ctr = nil, nil
}

func (s *aesSIV) Seal(plaintext []byte, ad ...[]byte) []byte {
	v := s.s2v(plaintext, ad)

	out := make([]byte, sivTagSize+len(plaintext))
	copy(out, v[:])
	s.xorCTR(v, out[sivTagSize:], plaintext)
	return out
}

func (s *aesSIV) Open(ciphertext []byte, ad ...[]byte) ([]byte, error) {
	if len(ciphertext) < sivTagSize {
		return nil, ErrAuthFailed
	}

	var v [aes.BlockSize]byte
	copy(v[:], ciphertext[:sivTagSize])

	plaintext := make([]byte, len(ciphertext)-sivTagSize)
	s.xorCTR(v, plaintext, ciphertext[sivTagSize:])

	expected := s.s2v(plaintext, ad)
	if subtle.ConstantTimeCompare(v[:], expected[:]) != 1 {
		zero(plaintext)
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

// s2v computes the synthetic IV over the associated data and plaintext.
func (s *aesSIV) s2v(plaintext []byte, ad [][]byte) [aes.BlockSize]byte {
	var zeroBlock [aes.BlockSize]byte
	d := s.cmac(zeroBlock[:])

	for _, a := range ad {
		m := s.cmac(a)
		d = dbl(d)
		subtle.XORBytes(d[:], d[:], m[:])
	}

	if len(plaintext) >= aes.BlockSize {
		t := make([]byte, len(plaintext))
		copy(t, plaintext)
		tail := t[len(t)-aes.BlockSize:]
		subtle.XORBytes(tail, tail, d[:])
		return s.cmac(t)
	}

	d = dbl(d)
	var last [aes.BlockSize]byte
	copy(last[:], plaintext)
	last[len(plaintext)] = 0x80
	subtle.XORBytes(last[:], last[:], d[:])
	return s.cmac(last[:])
}

// cmac computes AES-CMAC (RFC 4493) with the S2V key.
func (s *aesSIV) cmac(data []byte) [aes.BlockSize]byte {
	n := (len(data) + aes.BlockSize - 1) / aes.BlockSize
	complete := n > 0 && len(data)%aes.BlockSize == 0
	if n == 0 {
		n = 1
	}

	var last [aes.BlockSize]byte
	rest := data[(n-1)*aes.BlockSize:]
	copy(last[:], rest)
	if complete {
		subtle.XORBytes(last[:], last[:], s.k1[:])
	} else {
		last[len(rest)] = 0x80
		subtle.XORBytes(last[:], last[:], s.k2[:])
	}

	var x [aes.BlockSize]byte
	for i := 0; i < n-1; i++ {
		subtle.XORBytes(x[:], x[:], data[i*aes.BlockSize:(i+1)*aes.BlockSize])
		s.mac.Encrypt(x[:], x[:])
	}
	subtle.XORBytes(x[:], x[:], last[:])
	s.mac.Encrypt(x[:], x[:])
	return x
}

// xorCTR runs AES-CTR keyed with the second key half, using the SIV with
// bits 31 and 63 cleared as the initial counter (RFC 5297 section 2.5).
func (s *aesSIV) xorCTR(v [aes.BlockSize]byte, dst, src []byte) {
	v[8] &= 0x7f
	v[12] &= 0x7f
	cipher.NewCTR(s.ctr, v[:]).XORKeyStream(dst, src)
}

// dbl multiplies a block by x in GF(2^128).
func dbl(b [aes.BlockSize]byte) [aes.BlockSize]byte {
	hi := binary.BigEndian.Uint64(b[:8])
	lo := binary.BigEndian.Uint64(b[8:])

	var out [aes.BlockSize]byte
	binary.BigEndian.PutUint64(out[:8], hi<<1|lo>>63)
	binary.BigEndian.PutUint64(out[8:], lo<<1)
	if hi>>63 != 0 {
		out[15] ^= 0x87
	}
	return out
}
