package atomicswap

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/pkg/xattr"

	"github.com/xcryptfs/xcryptfs/internal/contentenc"
	"github.com/xcryptfs/xcryptfs/internal/cryptocore"
	"github.com/xcryptfs/xcryptfs/internal/encstate"
)

func newContentEnc() *contentenc.ContentEnc {
	return contentenc.New(cryptocore.New([]byte("test key")), 0)
}

// listDir returns the names in "dir", sorted.
func listDir(t *testing.T, dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestReplaceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hello")
	plain := []byte("hello")
	if err := os.WriteFile(path, plain, 0640); err != nil {
		t.Fatal(err)
	}
	ce := newContentEnc()
	if err := Replace(path, ce, contentenc.Encrypt); err != nil {
		t.Fatal(err)
	}
	cipher, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(cipher) != contentenc.HeaderLen+len(plain) {
		t.Errorf("ciphertext length %d", len(cipher))
	}
	if bytes.Contains(cipher, plain) {
		t.Error("plaintext visible in ciphertext")
	}
	if err := Replace(path, ce, contentenc.Decrypt); err != nil {
		t.Fatal(err)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(content, plain) {
		t.Errorf("have %q, want %q", content, plain)
	}
	if names := listDir(t, dir); len(names) != 1 || names[0] != "hello" {
		t.Errorf("leftover files: %v", names)
	}
}

func TestReplaceKeepsMetadata(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	if err := os.WriteFile(path, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}
	// Not subject to the umask
	if err := os.Chmod(path, 0751); err != nil {
		t.Fatal(err)
	}
	old := time.Date(2010, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatal(err)
	}
	if err := Replace(path, newContentEnc(), contentenc.Encrypt); err != nil {
		t.Fatal(err)
	}
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Mode().Perm() != 0751 {
		t.Errorf("mode %v", fi.Mode())
	}
	if !fi.ModTime().Equal(old) {
		t.Errorf("mtime %v", fi.ModTime())
	}
}

func TestReplaceKeepsXattrs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	if err := os.WriteFile(path, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := xattr.LSet(path, "user.foo", []byte("bar")); err != nil {
		t.Skipf("user xattrs not supported: %v", err)
	}
	if err := (encstate.Tracker{}).MarkEncrypted(path, true); err != nil {
		t.Fatal(err)
	}
	if err := (encstate.Tracker{}).MarkInconsistent(path); err != nil {
		t.Fatal(err)
	}
	if err := Replace(path, newContentEnc(), contentenc.Copy); err != nil {
		t.Fatal(err)
	}
	val, err := xattr.LGet(path, "user.foo")
	if err != nil || string(val) != "bar" {
		t.Errorf("user.foo=%q err=%v", val, err)
	}
	if enc, err := (encstate.Tracker{}).IsEncrypted(path); !enc || err != nil {
		t.Errorf("encryption flag lost: enc=%v err=%v", enc, err)
	}
	if bad, _ := (encstate.Tracker{}).IsInconsistent(path); bad {
		t.Error("inconsistent marker survived the swap")
	}
}

// failingTransformer writes some garbage and then fails
type failingTransformer struct{}

var errInjected = errors.New("injected failure")

func (failingTransformer) Transform(dst io.Writer, src io.Reader, dir contentenc.Direction) error {
	dst.Write([]byte("garbage"))
	return &contentenc.CipherError{Dir: dir, Err: errInjected}
}

func TestReplaceFailureKeepsOriginal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	orig := []byte("original content")
	if err := os.WriteFile(path, orig, 0600); err != nil {
		t.Fatal(err)
	}
	err := Replace(path, failingTransformer{}, contentenc.Encrypt)
	var cErr *contentenc.CipherError
	if !errors.As(err, &cErr) || !errors.Is(err, errInjected) {
		t.Fatalf("want injected CipherError, got %v", err)
	}
	content, _ := os.ReadFile(path)
	if !bytes.Equal(content, orig) {
		t.Errorf("original modified: %q", content)
	}
	if names := listDir(t, dir); len(names) != 1 {
		t.Errorf("leftover files: %v", names)
	}
}

func TestReplaceDecryptPlaintext(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	// Too short to carry a file header
	if err := os.WriteFile(path, []byte("hi"), 0600); err != nil {
		t.Fatal(err)
	}
	err := Replace(path, newContentEnc(), contentenc.Decrypt)
	if !errors.Is(err, contentenc.ErrTruncatedHeader) {
		t.Fatalf("want ErrTruncatedHeader, got %v", err)
	}
	if names := listDir(t, dir); len(names) != 1 {
		t.Errorf("leftover files: %v", names)
	}
}

func TestReplaceNotRegular(t *testing.T) {
	dir := t.TempDir()
	err := Replace(dir, newContentEnc(), contentenc.Encrypt)
	var ioErr *IOError
	if !errors.As(err, &ioErr) {
		t.Fatalf("want IOError, got %v", err)
	}
	if !errors.Is(err, syscall.EINVAL) {
		t.Errorf("want EINVAL, got %v", err)
	}
	err = Replace(filepath.Join(dir, "missing"), newContentEnc(), contentenc.Encrypt)
	if !errors.Is(err, syscall.ENOENT) {
		t.Errorf("want ENOENT, got %v", err)
	}
}

func TestWorkingCopyName(t *testing.T) {
	a := WorkingCopyName("/dir/file.txt")
	b := WorkingCopyName("/dir/file.txt")
	if a == b {
		t.Error("working copy names are not unique")
	}
	if filepath.Dir(a) != "/dir" {
		t.Errorf("working copy in wrong directory: %q", a)
	}
	base := filepath.Base(a)
	if !strings.HasPrefix(base, ".file.txt.") || !IsWorkingCopy(base) {
		t.Errorf("unexpected name %q", base)
	}
	long := WorkingCopyName("/" + strings.Repeat("x", 255))
	if len(filepath.Base(long)) > 255 {
		t.Errorf("name too long: %d", len(filepath.Base(long)))
	}
	if IsWorkingCopy("file.txt") || IsWorkingCopy(".hidden") {
		t.Error("false positive")
	}
}
