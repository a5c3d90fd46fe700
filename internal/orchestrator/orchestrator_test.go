package orchestrator

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xcryptfs/xcryptfs/internal/atomicswap"
	"github.com/xcryptfs/xcryptfs/internal/contentenc"
	"github.com/xcryptfs/xcryptfs/internal/cryptocore"
)

// memState keeps the flags in memory, so these tests do not depend on xattr
// support of the temp dir.
type memState struct {
	sync.Mutex
	enc      map[string]bool
	bad      map[string]bool
	failMark bool
	failRead bool
}

func newMemState() *memState {
	return &memState{enc: map[string]bool{}, bad: map[string]bool{}}
}

func (m *memState) IsEncrypted(path string) (bool, error) {
	m.Lock()
	defer m.Unlock()
	return m.enc[path], nil
}

func (m *memState) MarkEncrypted(path string, on bool) error {
	m.Lock()
	defer m.Unlock()
	if m.failMark {
		return syscall.EIO
	}
	m.enc[path] = on
	return nil
}

func (m *memState) IsInconsistent(path string) (bool, error) {
	m.Lock()
	defer m.Unlock()
	if m.failRead {
		return false, syscall.EIO
	}
	return m.bad[path], nil
}

func (m *memState) MarkInconsistent(path string) error {
	m.Lock()
	defer m.Unlock()
	m.bad[path] = true
	return nil
}

func (m *memState) ClearInconsistent(path string) error {
	m.Lock()
	defer m.Unlock()
	delete(m.bad, path)
	return nil
}

// flakySwap wraps atomicswap.Replace and fails the directions set in "fail".
type flakySwap struct {
	sync.Mutex
	fail  map[contentenc.Direction]bool
	calls []contentenc.Direction
}

var errInjected = errors.New("injected failure")

func (f *flakySwap) swap(path string, t atomicswap.Transformer, dir contentenc.Direction) error {
	f.Lock()
	f.calls = append(f.calls, dir)
	fail := f.fail[dir]
	f.Unlock()
	if fail {
		return &atomicswap.IOError{Op: "rename", Path: path, Err: errInjected}
	}
	return atomicswap.Replace(path, t, dir)
}

func (f *flakySwap) setFail(dir contentenc.Direction, on bool) {
	f.Lock()
	f.fail[dir] = on
	f.Unlock()
}

type testEnv struct {
	dir   string
	ce    *contentenc.ContentEnc
	state *memState
	swap  *flakySwap
	o     *Orchestrator
}

func newTestEnv(t *testing.T) *testEnv {
	env := &testEnv{
		dir:   t.TempDir(),
		ce:    contentenc.New(cryptocore.New([]byte("k1")), 0),
		state: newMemState(),
		swap:  &flakySwap{fail: map[contentenc.Direction]bool{}},
	}
	env.o = New(Config{
		Transformer: env.ce,
		State:       env.state,
		Swap:        env.swap.swap,
	})
	return env
}

// newEncrypted creates an encrypted, flagged file holding "content".
func (env *testEnv) newEncrypted(t *testing.T, name string, content []byte) string {
	path := filepath.Join(env.dir, name)
	if err := os.WriteFile(path, content, 0600); err != nil {
		t.Fatal(err)
	}
	if err := env.o.Create(path); err != nil {
		t.Fatal(err)
	}
	return path
}

func readFile(t *testing.T, path string) []byte {
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return content
}

func TestHello(t *testing.T) {
	env := newTestEnv(t)
	path := env.newEncrypted(t, "hello", []byte("hello"))
	c1 := readFile(t, path)
	if len(c1) != contentenc.HeaderLen+5 || bytes.Contains(c1, []byte("hello")) {
		t.Fatalf("not encrypted at rest: %q", c1)
	}

	var seen []byte
	err := env.o.Do(path, func(p string) error {
		var err error
		seen, err = os.ReadFile(p)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if string(seen) != "hello" {
		t.Errorf("plaintext during session: %q", seen)
	}
	c2 := readFile(t, path)
	if len(c2) != len(c1) || bytes.Equal(c1, c2) {
		t.Errorf("re-encryption must use a fresh IV: %x vs %x", c1, c2)
	}
	if n := env.o.Busy(); n != 0 {
		t.Errorf("%d locks still held", n)
	}
}

func TestPassthrough(t *testing.T) {
	env := newTestEnv(t)
	path := filepath.Join(env.dir, "plain")
	if err := os.WriteFile(path, []byte("plain"), 0600); err != nil {
		t.Fatal(err)
	}
	s, err := env.o.Enter(path)
	if err != nil {
		t.Fatal(err)
	}
	if s.Decrypted() {
		t.Error("unflagged file was decrypted")
	}
	if err := s.Leave(); err != nil {
		t.Fatal(err)
	}
	if string(readFile(t, path)) != "plain" {
		t.Error("unflagged file was modified")
	}
	if len(env.swap.calls) != 0 {
		t.Errorf("swaps on an unflagged file: %v", env.swap.calls)
	}
}

func TestLeaveTwice(t *testing.T) {
	env := newTestEnv(t)
	path := env.newEncrypted(t, "f", []byte("x"))
	s, err := env.o.Enter(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Leave(); err != nil {
		t.Fatal(err)
	}
	if err := s.Leave(); err != nil {
		t.Fatal(err)
	}
	if env.o.Busy() != 0 {
		t.Error("lock still held")
	}
	// Create + Decrypt + Encrypt, no second Encrypt
	if n := len(env.swap.calls); n != 3 {
		t.Errorf("have %d swaps, want 3", n)
	}
}

func TestEnterFailureKeepsFile(t *testing.T) {
	env := newTestEnv(t)
	path := env.newEncrypted(t, "f", []byte("secret"))
	before := readFile(t, path)
	env.swap.setFail(contentenc.Decrypt, true)
	_, err := env.o.Enter(path)
	if !errors.Is(err, errInjected) {
		t.Fatalf("want injected error, got %v", err)
	}
	if IsStateInconsistent(err) {
		t.Error("a failed decrypt is not an inconsistency")
	}
	if !bytes.Equal(before, readFile(t, path)) {
		t.Error("file changed")
	}
	if env.o.Busy() != 0 {
		t.Error("lock still held after failed Enter")
	}
	// Must not deadlock
	env.swap.setFail(contentenc.Decrypt, false)
	if err := env.o.Do(path, func(string) error { return nil }); err != nil {
		t.Fatal(err)
	}
}

func TestLeaveFailure(t *testing.T) {
	env := newTestEnv(t)
	path := env.newEncrypted(t, "f", []byte("secret"))
	env.swap.setFail(contentenc.Encrypt, true)

	err := env.o.Do(path, func(string) error { return nil })
	if !IsStateInconsistent(err) {
		t.Fatalf("want StateInconsistent, got %v", err)
	}
	var sie *StateInconsistentError
	errors.As(err, &sie)
	if sie.Path != path || !errors.Is(err, errInjected) {
		t.Errorf("wrong error details: %v", err)
	}
	// Plaintext at rest, flagged, quarantined, marker set
	if string(readFile(t, path)) != "secret" {
		t.Error("expected plaintext left behind")
	}
	if enc, _ := env.state.IsEncrypted(path); !enc {
		t.Error("flag was cleared")
	}
	if bad, _ := env.state.IsInconsistent(path); !bad {
		t.Error("persistent marker not set")
	}
	if q := env.o.Inconsistent(); len(q) != 1 || q[0] != path {
		t.Errorf("Inconsistent()=%v", q)
	}
	if env.o.Busy() != 0 {
		t.Error("lock still held after failed Leave")
	}

	// Further access is refused, without any swap
	n := len(env.swap.calls)
	_, err = env.o.Enter(path)
	if !IsStateInconsistent(err) {
		t.Errorf("Enter on quarantined path: %v", err)
	}
	if len(env.swap.calls) != n {
		t.Error("quarantined path was swapped")
	}

	// Recovery still fails while the fault persists
	if err := env.o.Recover(path); err == nil {
		t.Fatal("Recover succeeded despite failing swap")
	}
	env.swap.setFail(contentenc.Encrypt, false)
	if err := env.o.Recover(path); err != nil {
		t.Fatal(err)
	}
	if len(env.o.Inconsistent()) != 0 {
		t.Error("still quarantined after Recover")
	}
	var seen []byte
	err = env.o.Do(path, func(p string) error {
		seen, err = os.ReadFile(p)
		return err
	})
	if err != nil || string(seen) != "secret" {
		t.Errorf("after recovery: %q, %v", seen, err)
	}
}

// The persistent marker quarantines a path in a fresh Orchestrator, as after a
// remount.
func TestMarkerFromEarlierMount(t *testing.T) {
	env := newTestEnv(t)
	path := env.newEncrypted(t, "f", []byte("x"))
	env.state.MarkInconsistent(path)
	_, err := env.o.Enter(path)
	if !IsStateInconsistent(err) || !errors.Is(err, errMarkerFound) {
		t.Fatalf("want StateInconsistent, got %v", err)
	}
	enc, bad, err := env.o.State(path)
	if err != nil || !enc || !bad {
		t.Errorf("State: enc=%v bad=%v err=%v", enc, bad, err)
	}
	if err := env.o.Dismiss(path); err != nil {
		t.Fatal(err)
	}
	if _, bad, _ := env.o.State(path); bad {
		t.Error("still inconsistent after Dismiss")
	}
}

func TestDoErrorPrecedence(t *testing.T) {
	env := newTestEnv(t)
	path := env.newEncrypted(t, "f", []byte("x"))
	fnErr := errors.New("fn failed")
	if err := env.o.Do(path, func(string) error { return fnErr }); err != fnErr {
		t.Errorf("want fn error, got %v", err)
	}
	// Re-encrypted although fn failed
	if calls := env.swap.calls; calls[len(calls)-1] != contentenc.Encrypt {
		t.Errorf("last swap %v, want encrypt", calls[len(calls)-1])
	}
	env.swap.setFail(contentenc.Encrypt, true)
	err := env.o.Do(path, func(string) error { return fnErr })
	if !IsStateInconsistent(err) {
		t.Errorf("StateInconsistent must win, got %v", err)
	}
}

func TestCreateMarkFailure(t *testing.T) {
	env := newTestEnv(t)
	path := filepath.Join(env.dir, "new")
	if err := os.WriteFile(path, nil, 0600); err != nil {
		t.Fatal(err)
	}
	env.state.failMark = true
	if err := env.o.Create(path); !errors.Is(err, syscall.EIO) {
		t.Fatalf("want EIO, got %v", err)
	}
	if content := readFile(t, path); len(content) != 0 {
		t.Errorf("header left behind in unflagged file: %x", content)
	}
}

func TestCreateIdempotent(t *testing.T) {
	env := newTestEnv(t)
	path := env.newEncrypted(t, "f", nil)
	c1 := readFile(t, path)
	if len(c1) != contentenc.HeaderLen {
		t.Errorf("empty file ciphertext has %d bytes", len(c1))
	}
	if err := env.o.Create(path); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(c1, readFile(t, path)) {
		t.Error("flagged file was encrypted twice")
	}
}

func TestGetattr(t *testing.T) {
	env := newTestEnv(t)
	path := env.newEncrypted(t, "f", []byte("12345"))
	var st syscall.Stat_t
	if err := env.o.Getattr(path, &st); err != nil {
		t.Fatal(err)
	}
	if st.Size != 5 {
		t.Errorf("size %d, want 5", st.Size)
	}
	if err := env.o.Getattr(env.dir, &st); err != nil {
		t.Fatal(err)
	}
	if err := env.o.Getattr(filepath.Join(env.dir, "missing"), &st); !errors.Is(err, syscall.ENOENT) {
		t.Errorf("want ENOENT, got %v", err)
	}
}

func TestRenameMovesQuarantine(t *testing.T) {
	env := newTestEnv(t)
	sub := filepath.Join(env.dir, "sub")
	os.Mkdir(sub, 0700)
	path := env.newEncrypted(t, "sub/f", []byte("x"))
	env.swap.setFail(contentenc.Encrypt, true)
	env.o.Do(path, func(string) error { return nil })

	newSub := filepath.Join(env.dir, "sub2")
	err := env.o.Rename(sub, newSub, func() error { return os.Rename(sub, newSub) })
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(newSub, "f")
	if q := env.o.Inconsistent(); len(q) != 1 || q[0] != want {
		t.Errorf("Inconsistent()=%v, want [%s]", q, want)
	}
	err = env.o.Remove(want, func() error { return os.Remove(want) })
	if err != nil {
		t.Fatal(err)
	}
	if q := env.o.Inconsistent(); len(q) != 0 {
		t.Errorf("Inconsistent()=%v after remove", q)
	}
}

// Concurrent writers to the same path must be serialized: every append
// survives and the file is valid ciphertext afterwards.
func TestConcurrentSamePath(t *testing.T) {
	env := newTestEnv(t)
	path := env.newEncrypted(t, "f", nil)
	const n = 20
	var g errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			return env.o.Do(path, func(p string) error {
				f, err := os.OpenFile(p, os.O_WRONLY|os.O_APPEND, 0)
				if err != nil {
					return err
				}
				defer f.Close()
				_, err = fmt.Fprintf(f, "line %02d\n", i)
				return err
			})
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	var content []byte
	err := env.o.Do(path, func(p string) error {
		var err error
		content, err = os.ReadFile(p)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if lines := bytes.Count(content, []byte("\n")); lines != n {
		t.Errorf("have %d lines, want %d:\n%s", lines, n, content)
	}
	if len(readFile(t, path)) != len(content)+contentenc.HeaderLen {
		t.Error("not encrypted at rest")
	}
	if env.o.Busy() != 0 {
		t.Error("locks leaked")
	}
}

// An open session on one path must not block another path.
func TestDistinctPathsIndependent(t *testing.T) {
	env := newTestEnv(t)
	a := env.newEncrypted(t, "a", []byte("a"))
	b := env.newEncrypted(t, "b", []byte("b"))
	s, err := env.o.Enter(a)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Leave()
	done := make(chan error, 1)
	go func() {
		done <- env.o.Do(b, func(string) error { return nil })
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("session on a blocked b")
	}
}

// Two spellings of the same path share a lock.
func TestCanonicalPath(t *testing.T) {
	env := newTestEnv(t)
	path := env.newEncrypted(t, "f", []byte("x"))
	s, err := env.o.Enter(path)
	if err != nil {
		t.Fatal(err)
	}
	other := env.dir + "/./sub/../f"
	entered := make(chan struct{})
	go func() {
		s2, err := env.o.Enter(other)
		if err == nil {
			s2.Leave()
		}
		close(entered)
	}()
	select {
	case <-entered:
		t.Fatal("second spelling did not wait for the lock")
	case <-time.After(100 * time.Millisecond):
	}
	s.Leave()
	<-entered
}

// A hard link to a flagged file is refused, also when the request arrives
// while a session holds the file in plaintext.
func TestLinkEncrypted(t *testing.T) {
	env := newTestEnv(t)
	a := env.newEncrypted(t, "a", []byte("hello secret"))
	b := filepath.Join(env.dir, "b")
	s, err := env.o.Enter(a)
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() {
		done <- env.o.Link(a, b, func() error { return os.Link(a, b) })
	}()
	select {
	case err := <-done:
		t.Fatalf("Link returned %v while the session was in flight", err)
	case <-time.After(50 * time.Millisecond):
	}
	if err := s.Leave(); err != nil {
		t.Fatal(err)
	}
	if err := <-done; !errors.Is(err, syscall.EPERM) {
		t.Errorf("want EPERM, got %v", err)
	}
	if _, err := os.Lstat(b); !os.IsNotExist(err) {
		t.Errorf("link was created: %v", err)
	}
	if env.o.Busy() != 0 {
		t.Error("locks leaked")
	}
}

func TestLinkPlain(t *testing.T) {
	env := newTestEnv(t)
	a := filepath.Join(env.dir, "a")
	if err := os.WriteFile(a, []byte("plain"), 0600); err != nil {
		t.Fatal(err)
	}
	b := filepath.Join(env.dir, "b")
	if err := env.o.Link(a, b, func() error { return os.Link(a, b) }); err != nil {
		t.Fatal(err)
	}
	if string(readFile(t, b)) != "plain" {
		t.Error("wrong content behind the link")
	}
}

// Recover must not encrypt a second time when the marker cannot be read.
func TestRecoverReadError(t *testing.T) {
	env := newTestEnv(t)
	path := env.newEncrypted(t, "f", []byte("secret"))
	before := readFile(t, path)
	env.state.Lock()
	env.state.failRead = true
	env.state.Unlock()
	if err := env.o.Recover(path); !errors.Is(err, syscall.EIO) {
		t.Errorf("want EIO, got %v", err)
	}
	env.state.Lock()
	env.state.failRead = false
	env.state.Unlock()
	if !bytes.Equal(before, readFile(t, path)) {
		t.Error("file was swapped")
	}
	var seen []byte
	err := env.o.Do(path, func(p string) error {
		var err error
		seen, err = os.ReadFile(p)
		return err
	})
	if err != nil || string(seen) != "secret" {
		t.Errorf("have %q, %v", seen, err)
	}
}

// Shutdown waits for running sessions before wiping, and nothing touches
// the key afterwards.
func TestShutdown(t *testing.T) {
	env := newTestEnv(t)
	a := env.newEncrypted(t, "a", []byte("a"))
	s, err := env.o.Enter(a)
	if err != nil {
		t.Fatal(err)
	}
	var wiped sync.WaitGroup
	wiped.Add(1)
	calls := 0
	done := make(chan struct{})
	go func() {
		env.o.Shutdown(func() { calls++; wiped.Done() })
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("Shutdown did not wait for the session")
	case <-time.After(50 * time.Millisecond):
	}
	if err := s.Leave(); err != nil {
		t.Fatal(err)
	}
	<-done
	wiped.Wait()

	if _, err := env.o.Enter(a); !errors.Is(err, ErrClosed) {
		t.Errorf("Enter: want ErrClosed, got %v", err)
	}
	if err := env.o.Recover(a); !errors.Is(err, ErrClosed) {
		t.Errorf("Recover: want ErrClosed, got %v", err)
	}
	if err := env.o.Create(filepath.Join(env.dir, "new")); !errors.Is(err, ErrClosed) {
		t.Errorf("Create: want ErrClosed, got %v", err)
	}
	env.o.Shutdown(func() { calls++ })
	if calls != 1 {
		t.Errorf("wipe ran %d times", calls)
	}
	if env.o.Busy() != 0 {
		t.Error("locks leaked")
	}
}
