// Package orchestrator keeps files in the mirror directory encrypted at rest.
//
// Every access to a backing file is bracketed by Enter and Leave. Enter
// decrypts a flagged file in place (through an atomic swap) and Leave
// encrypts it again. Between the two, the caller works on plaintext and
// holds the per-path lock, so no other access to the same path can observe
// the plaintext state or interleave with it.
package orchestrator

import (
	"errors"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/xcryptfs/xcryptfs/internal/atomicswap"
	"github.com/xcryptfs/xcryptfs/internal/audit_log"
	"github.com/xcryptfs/xcryptfs/internal/contentenc"
	"github.com/xcryptfs/xcryptfs/internal/encstate"
	"github.com/xcryptfs/xcryptfs/internal/openfiletable"
	"github.com/xcryptfs/xcryptfs/internal/syscallcompat"
	"github.com/xcryptfs/xcryptfs/internal/tlog"
)

// StateStore reads and writes the per-file flags. encstate.Tracker is the
// real implementation.
type StateStore interface {
	IsEncrypted(path string) (bool, error)
	MarkEncrypted(path string, on bool) error
	IsInconsistent(path string) (bool, error)
	MarkInconsistent(path string) error
	ClearInconsistent(path string) error
}

// SwapFunc replaces the content of "path" with its transformed version,
// all-or-nothing. atomicswap.Replace is the real implementation.
type SwapFunc func(path string, t atomicswap.Transformer, dir contentenc.Direction) error

// Config is the immutable configuration of an Orchestrator.
type Config struct {
	// Transformer encrypts and decrypts content. Holds the content key.
	Transformer atomicswap.Transformer
	// State defaults to encstate.Tracker{}
	State StateStore
	// Swap defaults to atomicswap.Replace
	Swap SwapFunc
	// Audit receives inconsistency and recovery events. May be nil.
	Audit *audit_log.Log
}

// Orchestrator coordinates all accesses to the backing files of one mount.
// It is safe for concurrent use.
type Orchestrator struct {
	cfg Config
	// Per-path locks
	locks *openfiletable.Table
	// treeLock is held shared by every operation on a path and exclusively
	// by renames, which can move whole subtrees.
	treeLock sync.RWMutex
	// closed is set by Shutdown. Protected by treeLock.
	closed bool
	// Paths whose re-encryption failed, with the error that caused it.
	quarantineLock sync.Mutex
	quarantine     map[string]error
}

// New returns an Orchestrator working with "cfg".
func New(cfg Config) *Orchestrator {
	if cfg.Transformer == nil {
		panic("orchestrator.New: Transformer is nil")
	}
	if cfg.State == nil {
		cfg.State = encstate.Tracker{}
	}
	if cfg.Swap == nil {
		cfg.Swap = atomicswap.Replace
	}
	return &Orchestrator{
		cfg:        cfg,
		locks:      openfiletable.New(),
		quarantine: make(map[string]error),
	}
}

// canonical turns "path" into the key of the lock table. Two spellings of the
// same path must map to the same lock.
func canonical(path string) string {
	return filepath.Clean(path)
}

// lock takes the shared tree lock and the lock for "path". The returned
// function releases both.
func (o *Orchestrator) lock(path string) (unlock func()) {
	o.treeLock.RLock()
	e := o.locks.Lock(path)
	return func() {
		o.locks.Unlock(path, e)
		o.treeLock.RUnlock()
	}
}

// Session is one access to a backing file, from Enter to Leave. A Session
// must be used by one goroutine only.
type Session struct {
	o    *Orchestrator
	path string
	// decrypted is true if Enter decrypted the file, so Leave has to
	// encrypt it again.
	decrypted bool
	unlock    func()
	leaveOnce sync.Once
	leaveErr  error
}

// Path returns the canonical backing path of the session.
func (s *Session) Path() string {
	return s.path
}

// Decrypted returns true if the backing file was encrypted at rest and now
// holds plaintext until Leave.
func (s *Session) Decrypted() bool {
	return s.decrypted
}

// Enter starts an access to "path". On success, the file content is
// plaintext and the caller holds the path lock until it calls Leave.
//
// Files not flagged as encrypted are passed through untouched. On error, the
// lock is released again and the file is unchanged.
func (o *Orchestrator) Enter(path string) (*Session, error) {
	path = canonical(path)
	unlock := o.lock(path)
	if o.closed {
		unlock()
		return nil, ErrClosed
	}
	if err := o.checkQuarantine(path); err != nil {
		unlock()
		return nil, err
	}
	enc, err := o.cfg.State.IsEncrypted(path)
	if err != nil {
		unlock()
		return nil, err
	}
	s := &Session{o: o, path: path, unlock: unlock}
	if !enc {
		tlog.Debug.Printf("orchestrator.Enter %q: passthrough", path)
		return s, nil
	}
	if err := o.cfg.Swap(path, o.cfg.Transformer, contentenc.Decrypt); err != nil {
		unlock()
		tlog.Warn.Printf("orchestrator.Enter %q: decrypt failed: %v", path, err)
		return nil, err
	}
	o.locks.CountSwap()
	s.decrypted = true
	return s, nil
}

// Leave ends the session. If Enter decrypted the file, it is encrypted again,
// regardless of whether the operation in between succeeded.
//
// If re-encryption fails, the path is quarantined and a
// *StateInconsistentError is returned. The lock is released in every case.
// Only the first call does anything, later calls return nil.
func (s *Session) Leave() error {
	s.leaveOnce.Do(func() {
		defer s.unlock()
		if !s.decrypted {
			return
		}
		err := s.o.cfg.Swap(s.path, s.o.cfg.Transformer, contentenc.Encrypt)
		if err == nil {
			s.o.locks.CountSwap()
			return
		}
		if errors.Is(err, syscall.ENOENT) {
			// Deleted behind our back, directly in the mirror directory.
			// There is no plaintext left at rest.
			tlog.Warn.Printf("orchestrator.Leave %q: file vanished: %v", s.path, err)
			return
		}
		s.leaveErr = s.o.markInconsistent(s.path, err)
	})
	return s.leaveErr
}

// Do runs "fn" inside a session on "path". fn's error is returned, unless
// Leave fails, in which case the *StateInconsistentError wins: it is the more
// serious condition.
func (o *Orchestrator) Do(path string, fn func(backingPath string) error) (err error) {
	s, err := o.Enter(path)
	if err != nil {
		return err
	}
	defer func() {
		if lerr := s.Leave(); lerr != nil {
			err = lerr
		}
	}()
	return fn(s.path)
}

// Create encrypts a freshly created (empty) backing file and flags it.
// A file that is already flagged is left alone.
//
// If the flag cannot be set, the ciphertext is truncated away again so the
// file is left as an empty, unflagged plaintext file.
func (o *Orchestrator) Create(path string) error {
	path = canonical(path)
	unlock := o.lock(path)
	defer unlock()
	if o.closed {
		return ErrClosed
	}

	enc, err := o.cfg.State.IsEncrypted(path)
	if err != nil {
		return err
	}
	if enc {
		return nil
	}
	o.forget(path)
	if err := o.cfg.Swap(path, o.cfg.Transformer, contentenc.Encrypt); err != nil {
		return err
	}
	o.locks.CountSwap()
	if err := o.cfg.State.MarkEncrypted(path, true); err != nil {
		tlog.Warn.Printf("orchestrator.Create %q: could not set flag: %v", path, err)
		if err2 := syscallcompat.Truncate(path, 0); err2 != nil {
			tlog.Warn.Printf("orchestrator.Create %q: truncate failed too: %v", path, err2)
		}
		return err
	}
	return nil
}

// Getattr stats "path" and translates the size of flagged regular files to
// the plaintext size. The path lock makes sure we never see a file in the
// middle of a session.
func (o *Orchestrator) Getattr(path string, st *syscall.Stat_t) error {
	path = canonical(path)
	unlock := o.lock(path)
	defer unlock()

	if err := syscallcompat.Lstat(path, st); err != nil {
		return err
	}
	if st.Mode&syscall.S_IFMT != syscall.S_IFREG {
		return nil
	}
	if o.checkQuarantine(path) != nil {
		// Holds plaintext despite the flag
		return nil
	}
	enc, err := o.cfg.State.IsEncrypted(path)
	if err != nil {
		return err
	}
	if enc {
		st.Size = int64(contentenc.PlainSize(uint64(st.Size)))
	}
	return nil
}

// Shutdown waits until no operation is in flight, then runs "wipe" (which
// is expected to destroy the key held by the Transformer). Every later
// Enter, Create or Recover fails with ErrClosed.
func (o *Orchestrator) Shutdown(wipe func()) {
	o.treeLock.Lock()
	defer o.treeLock.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	wipe()
}

// SwapCount returns the number of content swaps done so far.
func (o *Orchestrator) SwapCount() uint64 {
	return o.locks.SwapCount()
}

// Busy returns the number of paths with an operation in flight.
func (o *Orchestrator) Busy() int {
	return o.locks.CountOpenFiles()
}
