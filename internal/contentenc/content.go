// Package contentenc implements the reversible stream transform that turns
// plaintext file content into ciphertext and back.
package contentenc

import (
	"crypto/cipher"
	"fmt"
	"io"

	"github.com/xcryptfs/xcryptfs/internal/cryptocore"
	"github.com/xcryptfs/xcryptfs/internal/tlog"
)

const (
	// DefaultChunkSize is the size of the buffer the transform moves data
	// through. The whole file is never held in memory.
	DefaultChunkSize = 128 * 1024
)

// Direction selects what Transform does with the stream. The numeric values
// are stable and also used in log messages.
type Direction int

const (
	// Copy duplicates the stream byte-for-byte.
	Copy Direction = -1
	// Decrypt expects a file header followed by ciphertext.
	Decrypt Direction = 0
	// Encrypt writes a fresh file header followed by ciphertext.
	Encrypt Direction = 1
)

func (d Direction) String() string {
	switch d {
	case Copy:
		return "copy"
	case Decrypt:
		return "decrypt"
	case Encrypt:
		return "encrypt"
	}
	return fmt.Sprintf("Direction(%d)", int(d))
}

// ContentEnc is used to encrypt and decrypt file content. It is safe for
// concurrent use.
type ContentEnc struct {
	// Cryptographic primitives
	cryptoCore *cryptocore.CryptoCore
	// Size of the transfer buffers
	chunkSize int
	// Transfer buffer pool
	bufPool *chunkPool
}

// New returns an initialized ContentEnc instance.
func New(cc *cryptocore.CryptoCore, chunkSize int) *ContentEnc {
	tlog.Debug.Printf("contentenc.New: chunkSize=%d", chunkSize)
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &ContentEnc{
		cryptoCore: cc,
		chunkSize:  chunkSize,
		bufPool:    newChunkPool(chunkSize),
	}
}

// ChunkSize returns the transfer buffer size
func (be *ContentEnc) ChunkSize() int {
	return be.chunkSize
}

// Transform reads "src" until EOF and writes the result of applying "dir" to
// "dst".
//
// Decrypt(Encrypt(P)) == P holds for every P, including the empty one.
// Every failure, including a short write or a truncated file header, is
// returned as a *CipherError. Nothing is silently truncated.
func (be *ContentEnc) Transform(dst io.Writer, src io.Reader, dir Direction) error {
	switch dir {
	case Copy:
		return be.pump(dst, src, nil, dir)
	case Encrypt:
		h := RandomHeader()
		n, err := dst.Write(h.Pack())
		if err == nil && n != HeaderLen {
			err = io.ErrShortWrite
		}
		if err != nil {
			return &CipherError{Dir: dir, Err: fmt.Errorf("writing header: %w", err)}
		}
		return be.pump(dst, src, cipher.NewCTR(be.cryptoCore.BlockCipher, h.IV), dir)
	case Decrypt:
		buf := make([]byte, HeaderLen)
		_, err := io.ReadFull(src, buf)
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return &CipherError{Dir: dir, Err: ErrTruncatedHeader}
		} else if err != nil {
			return &CipherError{Dir: dir, Err: fmt.Errorf("reading header: %w", err)}
		}
		h, err := ParseHeader(buf)
		if err != nil {
			return &CipherError{Dir: dir, Err: err}
		}
		return be.pump(dst, src, cipher.NewCTR(be.cryptoCore.BlockCipher, h.IV), dir)
	}
	return &CipherError{Dir: dir, Err: fmt.Errorf("unknown direction %d", int(dir))}
}

// pump moves "src" to "dst" chunk by chunk. If "stream" is not nil, every
// chunk is XORed with its keystream on the way.
func (be *ContentEnc) pump(dst io.Writer, src io.Reader, stream cipher.Stream, dir Direction) error {
	bufp := be.bufPool.Get()
	defer be.bufPool.Put(bufp)
	buf := *bufp
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if stream != nil {
				stream.XORKeyStream(chunk, chunk)
			}
			w, werr := dst.Write(chunk)
			if werr == nil && w != n {
				werr = io.ErrShortWrite
			}
			if werr != nil {
				return &CipherError{Dir: dir, Err: fmt.Errorf("write: %w", werr)}
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return &CipherError{Dir: dir, Err: fmt.Errorf("read: %w", rerr)}
		}
	}
}
