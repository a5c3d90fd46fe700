package cryptocore

import (
	"crypto/rand"
	"log"
)

// RandBytes gets "n" random bytes from /dev/urandom or panics
func RandBytes(n int) []byte {
	b := make([]byte, n)
	_, err := rand.Read(b)
	if err != nil {
		// crypto/rand.Read() is documented to never return an
		// error, so this should never happen.
		log.Panic("Failed to read random bytes: " + err.Error())
	}
	return b
}
