package contentenc

// Per-file header
//
// Format: [ "Version" uint16 big endian ] [ "IV" 16 random bytes ]

import (
	"encoding/binary"
	"fmt"

	"github.com/xcryptfs/xcryptfs/internal/cryptocore"
)

const (
	// CurrentVersion is the current On-Disk-Format version
	CurrentVersion = 1

	// uint16
	headerVersionLen = 2

	// 128 bit random CTR IV
	headerIVLen = cryptocore.IVLen

	// HeaderLen is the total header length
	HeaderLen = headerVersionLen + headerIVLen
)

// FileHeader represents the header stored at the start of each ciphertext
// file.
type FileHeader struct {
	Version uint16
	IV      []byte
}

// Pack - serialize fileHeader object
func (h *FileHeader) Pack() []byte {
	if len(h.IV) != headerIVLen || h.Version != CurrentVersion {
		panic("FileHeader object not properly initialized")
	}
	buf := make([]byte, HeaderLen)
	binary.BigEndian.PutUint16(buf[0:headerVersionLen], h.Version)
	copy(buf[headerVersionLen:], h.IV)
	return buf
}

// ParseHeader - parse "buf" into fileHeader object
func ParseHeader(buf []byte) (*FileHeader, error) {
	if len(buf) != HeaderLen {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrTruncatedHeader, len(buf), HeaderLen)
	}
	var h FileHeader
	h.Version = binary.BigEndian.Uint16(buf[0:headerVersionLen])
	if h.Version != CurrentVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrBadVersion, h.Version, CurrentVersion)
	}
	h.IV = buf[headerVersionLen:]
	return &h, nil
}

// RandomHeader - create new fileHeader object with random IV
func RandomHeader() *FileHeader {
	var h FileHeader
	h.Version = CurrentVersion
	h.IV = cryptocore.RandBytes(headerIVLen)
	return &h
}

// PlainSize translates the size of a ciphertext file into the size of the
// plaintext it holds. Files shorter than the header are reported as empty.
func PlainSize(cipherSize uint64) uint64 {
	if cipherSize < HeaderLen {
		return 0
	}
	return cipherSize - HeaderLen
}

// CipherSize is the inverse of PlainSize.
func CipherSize(plainSize uint64) uint64 {
	return plainSize + HeaderLen
}
