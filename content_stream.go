package cryptovault

import (
	"errors"
	"fmt"
	"io"
)

// DecryptReader decrypts an encrypted file chunk by chunk. Every chunk is
// authenticated before any of its bytes are returned; after the first
// failure all reads return the same error.
type DecryptReader struct {
	cipher *ContentCipher
	src    io.Reader
	header *FileHeader
	chunk  []byte
	buf    []byte
	index  int64
	err    error
}

// NewDecryptReader returns a reader of the plaintext of the encrypted file
// read from r.
func (c *ContentCipher) NewDecryptReader(r io.Reader) *DecryptReader {
	return &DecryptReader{
		cipher: c,
		src:    r,
		chunk:  make([]byte, ChunkSize),
	}
}

func (d *DecryptReader) Read(p []byte) (int, error) {
	for len(d.buf) == 0 {
		if d.err != nil {
			return 0, d.err
		}
		d.err = d.next()
	}
	n := copy(p, d.buf)
	d.buf = d.buf[n:]
	return n, nil
}

// next loads and decrypts the following chunk
func (d *DecryptReader) next() error {
	if d.header == nil {
		raw := make([]byte, HeaderSize)
		if _, err := io.ReadFull(d.src, raw); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return newSignatureError(TargetFile, "", -1, fmt.Errorf("%w: header truncated", ErrMalformedEntry))
			}
			return err
		}
		h, err := d.cipher.DecryptHeader(raw)
		if err != nil {
			return err
		}
		d.header = h
	}

	n, err := io.ReadFull(d.src, d.chunk)
	switch {
	case errors.Is(err, io.EOF):
		d.header.Destroy()
		return io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
	case err != nil:
		return err
	}

	if n < ChunkOverhead {
		d.header.Destroy()
		return newSignatureError(TargetFile, "", d.index, fmt.Errorf("%w: chunk of %d bytes", ErrMalformedEntry, n))
	}
	plain := d.chunk[ChunkNonceSize : n-ChunkMacSize]
	if err := d.cipher.openChunk(plain, d.header, d.index, d.chunk[:n]); err != nil {
		d.header.Destroy()
		return err
	}
	// openChunk decrypts in place; the plaintext overlays the ciphertext slot
	d.buf = plain
	d.index++
	return nil
}

// EncryptWriter encrypts everything written to it into w. The header is
// written on the first Write or on Close; a chunk is emitted whenever
// ChunkPayloadSize bytes are buffered. Close must be called to flush the
// final partial chunk.
type EncryptWriter struct {
	cipher  *ContentCipher
	dst     io.Writer
	header  *FileHeader
	buf     []byte
	out     []byte
	index   int64
	started bool
	closed  bool
}

// NewEncryptWriter returns a writer that encrypts into w with a fresh header
func (c *ContentCipher) NewEncryptWriter(w io.Writer) (*EncryptWriter, error) {
	h, err := c.NewHeader()
	if err != nil {
		return nil, err
	}
	return &EncryptWriter{
		cipher: c,
		dst:    w,
		header: h,
		buf:    make([]byte, 0, ChunkPayloadSize),
		out:    make([]byte, ChunkSize),
	}, nil
}

func (e *EncryptWriter) Write(p []byte) (int, error) {
	if e.closed {
		return 0, errors.New("write to closed encrypt writer")
	}
	if err := e.start(); err != nil {
		return 0, err
	}
	written := 0
	for len(p) > 0 {
		n := min(len(p), ChunkPayloadSize-len(e.buf))
		e.buf = append(e.buf, p[:n]...)
		p = p[n:]
		written += n
		if len(e.buf) == ChunkPayloadSize {
			if err := e.flush(); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

// Close writes the final chunk. It does not close the underlying writer.
func (e *EncryptWriter) Close() error {
	if e.closed {
		return nil
	}
	defer func() {
		e.closed = true
		e.header.Destroy()
	}()
	if err := e.start(); err != nil {
		return err
	}
	if len(e.buf) > 0 {
		return e.flush()
	}
	return nil
}

func (e *EncryptWriter) start() error {
	if e.started {
		return nil
	}
	header, err := e.cipher.EncryptHeader(e.header)
	if err != nil {
		return err
	}
	if _, err := e.dst.Write(header); err != nil {
		return err
	}
	e.started = true
	return nil
}

func (e *EncryptWriter) flush() error {
	nonce, err := randomBytes(e.cipher.crypto, ChunkNonceSize)
	if err != nil {
		return err
	}
	out := e.out[:len(e.buf)+ChunkOverhead]
	if err := e.cipher.sealChunk(out, e.header, e.index, nonce, e.buf); err != nil {
		return err
	}
	if _, err := e.dst.Write(out); err != nil {
		return err
	}
	e.buf = e.buf[:0]
	e.index++
	return nil
}
