package orchestrator

import (
	"sort"
	"strings"

	"github.com/xcryptfs/xcryptfs/internal/audit_log"
	"github.com/xcryptfs/xcryptfs/internal/contentenc"
	"github.com/xcryptfs/xcryptfs/internal/tlog"
)

// checkQuarantine returns a *StateInconsistentError if "path" is known to
// hold plaintext although it is flagged as encrypted. Such a path must not
// be decrypted again. The persistent marker catches paths quarantined by an
// earlier mount.
// Caller must hold the path lock.
func (o *Orchestrator) checkQuarantine(path string) error {
	o.quarantineLock.Lock()
	cause, ok := o.quarantine[path]
	o.quarantineLock.Unlock()
	if ok {
		return &StateInconsistentError{Path: path, Err: cause}
	}
	bad, err := o.cfg.State.IsInconsistent(path)
	if err != nil {
		return err
	}
	if bad {
		cause = errMarkerFound
		o.quarantineLock.Lock()
		o.quarantine[path] = cause
		o.quarantineLock.Unlock()
		tlog.Warn.Printf("%q carries the inconsistent marker, refusing access", path)
		return &StateInconsistentError{Path: path, Err: cause}
	}
	return nil
}

// markInconsistent quarantines "path" after re-encryption failed with "cause"
// and returns the error to hand to the caller.
// Caller must hold the path lock.
func (o *Orchestrator) markInconsistent(path string, cause error) error {
	o.quarantineLock.Lock()
	o.quarantine[path] = cause
	o.quarantineLock.Unlock()

	tlog.Warn.Printf("STATE INCONSISTENT: %q is flagged as encrypted but holds PLAINTEXT at rest: %v",
		path, cause)
	if err := o.cfg.State.MarkInconsistent(path); err != nil {
		tlog.Warn.Printf("STATE INCONSISTENT: could not set the persistent marker on %q: %v", path, err)
	}
	o.cfg.Audit.Write(audit_log.EventInconsistent, nil, map[string]string{
		"path":  path,
		"error": cause.Error(),
	})
	return &StateInconsistentError{Path: path, Err: cause}
}

// forget drops the in-memory quarantine entry of "path".
func (o *Orchestrator) forget(path string) {
	o.quarantineLock.Lock()
	delete(o.quarantine, path)
	o.quarantineLock.Unlock()
}

// Inconsistent returns the quarantined paths known to this mount, sorted.
func (o *Orchestrator) Inconsistent() []string {
	o.quarantineLock.Lock()
	defer o.quarantineLock.Unlock()
	out := make([]string, 0, len(o.quarantine))
	for p := range o.quarantine {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Recover encrypts a quarantined file again and lifts the quarantine.
// Paths that are not quarantined are left alone. There are no automatic
// retries, this has to be triggered by the user (see ctlsock).
func (o *Orchestrator) Recover(path string) error {
	path = canonical(path)
	unlock := o.lock(path)
	defer unlock()
	if o.closed {
		return ErrClosed
	}

	if err := o.checkQuarantine(path); err == nil {
		return nil
	} else if !IsStateInconsistent(err) {
		return err
	}
	if err := o.cfg.Swap(path, o.cfg.Transformer, contentenc.Encrypt); err != nil {
		tlog.Warn.Printf("Recover %q failed: %v", path, err)
		return err
	}
	o.locks.CountSwap()
	if err := o.cfg.State.ClearInconsistent(path); err != nil {
		tlog.Warn.Printf("Recover %q: could not clear the marker: %v", path, err)
	}
	o.forget(path)
	tlog.Info.Printf("Recovered %q, it is encrypted at rest again", path)
	o.cfg.Audit.Path(audit_log.EventRecover, nil, path)
	return nil
}

// Dismiss lifts the quarantine of "path" without touching the content. This
// is for files the user has repaired by other means.
func (o *Orchestrator) Dismiss(path string) error {
	path = canonical(path)
	unlock := o.lock(path)
	defer unlock()

	if err := o.cfg.State.ClearInconsistent(path); err != nil {
		return err
	}
	o.forget(path)
	tlog.Info.Printf("Quarantine of %q dismissed", path)
	return nil
}

// State reports the flags of "path" as seen from this mount.
func (o *Orchestrator) State(path string) (encrypted bool, inconsistent bool, err error) {
	path = canonical(path)
	unlock := o.lock(path)
	defer unlock()

	if err := o.checkQuarantine(path); err != nil {
		if !IsStateInconsistent(err) {
			return false, false, err
		}
		inconsistent = true
	}
	encrypted, err = o.cfg.State.IsEncrypted(path)
	return encrypted, inconsistent, err
}

// moveQuarantine renames quarantine entries at and below "oldPath".
// Caller must hold the tree lock exclusively.
func (o *Orchestrator) moveQuarantine(oldPath string, newPath string) {
	o.quarantineLock.Lock()
	defer o.quarantineLock.Unlock()
	// The destination was replaced
	delete(o.quarantine, newPath)
	for p, cause := range o.quarantine {
		var moved string
		if p == oldPath {
			moved = newPath
		} else if strings.HasPrefix(p, oldPath+"/") {
			moved = newPath + p[len(oldPath):]
		} else {
			continue
		}
		delete(o.quarantine, p)
		o.quarantine[moved] = cause
	}
}
