// Package cryptocore turns the mount key into the AES-256 block cipher used
// for file content and provides random bytes.
package cryptocore

import (
	"crypto/aes"
	"crypto/cipher"
	"log"
)

const (
	// KeyLen is the cipher key length in bytes. 32 for AES-256.
	KeyLen = 32
	// IVLen is the length of the per-file CTR IV in bytes.
	IVLen = aes.BlockSize
)

// CryptoCore is the low level crypto implementation.
type CryptoCore struct {
	// AES-256 block cipher keyed with the derived content key. Used in CTR
	// mode for file content.
	BlockCipher cipher.Block
	// contentKey is kept so that Wipe() can overwrite it.
	contentKey []byte
}

// New returns a new CryptoCore object or panics.
//
// "key" is the secret passed at mount time. It can have any non-zero length
// and is expanded to KeyLen bytes with HKDF-SHA256. The caller may overwrite
// "key" after New() returns.
func New(key []byte) *CryptoCore {
	if len(key) == 0 {
		log.Panic("cryptocore.New: empty key")
	}
	contentKey := hkdfDerive(key, hkdfInfoCTRContent, KeyLen)
	blockCipher, err := aes.NewCipher(contentKey)
	if err != nil {
		log.Panic(err)
	}
	return &CryptoCore{
		BlockCipher: blockCipher,
		contentKey:  contentKey,
	}
}

// Wipe tries to wipe secret keys from memory by overwriting them with zeros
// and dropping the block cipher. The CryptoCore object must not be used
// afterwards.
//
// The Go AES implementation keeps its own expanded key schedule that we
// cannot reach. It will be reclaimed by the garbage collector.
func (c *CryptoCore) Wipe() {
	for i := range c.contentKey {
		c.contentKey[i] = 0
	}
	c.contentKey = nil
	c.BlockCipher = nil
}
