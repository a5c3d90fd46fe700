// Package speed implements the "-speed" command-line option,
// similar to "openssl speed".
// It benchmarks the content transform and the atomic swap that every
// access to an encrypted file pays for.
package speed

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/xcryptfs/xcryptfs/internal/atomicswap"
	"github.com/xcryptfs/xcryptfs/internal/contentenc"
	"github.com/xcryptfs/xcryptfs/internal/cryptocore"
)

// Size of the file used by the swap benchmarks. Big enough that the
// per-file overhead (header, rename, fsync) does not dominate.
const fileSize = 1024 * 1024

// Run - run the speed the test and print the results.
func Run() {
	cpu := cpuModelName()
	if cpu == "" {
		cpu = "unknown"
	}
	fmt.Printf("cpu: %s; cpus: %d\n", cpu, runtime.NumCPU())
	bTable := []struct {
		name string
		f    func(*testing.B)
	}{
		{name: "Transform-Copy", f: bTransformCopy},
		{name: "Transform-Encrypt", f: bTransformEncrypt},
		{name: "Transform-Decrypt", f: bTransformDecrypt},
		{name: "Swap-RoundTrip", f: bSwapRoundTrip},
	}
	for _, b := range bTable {
		fmt.Printf("%-20s\t", b.name)
		mbs := mbPerSec(testing.Benchmark(b.f))
		if mbs > 0 {
			fmt.Printf("%7.2f MB/s\n", mbs)
		} else {
			fmt.Printf("    N/A\n")
		}
	}
}

func mbPerSec(r testing.BenchmarkResult) float64 {
	if r.Bytes <= 0 || r.T <= 0 || r.N <= 0 {
		return 0
	}
	return (float64(r.Bytes) * float64(r.N) / 1e6) / r.T.Seconds()
}

func newContentEnc() *contentenc.ContentEnc {
	return contentenc.New(cryptocore.New(cryptocore.RandBytes(cryptocore.KeyLen)), 0)
}

func bTransform(b *testing.B, dir contentenc.Direction, in []byte) {
	ce := newContentEnc()
	b.SetBytes(int64(len(in)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		err := ce.Transform(io.Discard, bytes.NewReader(in), dir)
		if err != nil {
			b.Fatal(err)
		}
	}
}

// bTransformCopy is the baseline: the cost of moving the bytes around.
func bTransformCopy(b *testing.B) {
	bTransform(b, contentenc.Copy, make([]byte, fileSize))
}

func bTransformEncrypt(b *testing.B) {
	bTransform(b, contentenc.Encrypt, make([]byte, fileSize))
}

func bTransformDecrypt(b *testing.B) {
	var ciphertext bytes.Buffer
	err := newContentEnc().Transform(&ciphertext, bytes.NewReader(make([]byte, fileSize)), contentenc.Encrypt)
	if err != nil {
		b.Fatal(err)
	}
	bTransform(b, contentenc.Decrypt, ciphertext.Bytes())
}

// bSwapRoundTrip decrypts and re-encrypts a file on disk, which is what a
// single read or write through the mount costs.
func bSwapRoundTrip(b *testing.B) {
	dir, err := os.MkdirTemp("", "xcryptfs-speed")
	if err != nil {
		b.Fatal(err)
	}
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "f")
	if err := os.WriteFile(path, make([]byte, fileSize), 0600); err != nil {
		b.Fatal(err)
	}
	ce := newContentEnc()
	if err := atomicswap.Replace(path, ce, contentenc.Encrypt); err != nil {
		b.Fatal(err)
	}
	b.SetBytes(fileSize)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := atomicswap.Replace(path, ce, contentenc.Decrypt); err != nil {
			b.Fatal(err)
		}
		if err := atomicswap.Replace(path, ce, contentenc.Encrypt); err != nil {
			b.Fatal(err)
		}
	}
}
