package orchestrator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/xattr"

	"github.com/xcryptfs/xcryptfs/internal/contentenc"
	"github.com/xcryptfs/xcryptfs/internal/cryptocore"
	"github.com/xcryptfs/xcryptfs/internal/encstate"
)

// TestRealState runs a full cycle with the default state store and swap.
func TestRealState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hello")
	if err := os.WriteFile(path, nil, 0600); err != nil {
		t.Fatal(err)
	}
	if err := xattr.LSet(path, "user.xattrcheck", []byte("1")); err != nil {
		t.Skipf("user xattrs not supported: %v", err)
	}
	o := New(Config{Transformer: contentenc.New(cryptocore.New([]byte("k1")), 0)})
	if err := o.Create(path); err != nil {
		t.Fatal(err)
	}
	if enc, err := (encstate.Tracker{}).IsEncrypted(path); !enc || err != nil {
		t.Fatalf("not flagged after Create: %v %v", enc, err)
	}
	err := o.Do(path, func(p string) error {
		return os.WriteFile(p, []byte("hello"), 0600)
	})
	if err != nil {
		t.Fatal(err)
	}
	at, _ := os.ReadFile(path)
	if len(at) != contentenc.HeaderLen+5 {
		t.Errorf("at rest: %q", at)
	}
	// The swaps keep unrelated attributes
	if v, err := xattr.LGet(path, "user.xattrcheck"); err != nil || string(v) != "1" {
		t.Errorf("user.xattrcheck=%q err=%v", v, err)
	}
	var content []byte
	err = o.Do(path, func(p string) (err error) {
		content, err = os.ReadFile(p)
		return err
	})
	if err != nil || string(content) != "hello" {
		t.Errorf("read back %q, %v", content, err)
	}
	if n := o.SwapCount(); n != 5 {
		t.Errorf("SwapCount=%d, want 5", n)
	}
}
