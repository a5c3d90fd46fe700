package orchestrator

import (
	"sort"
	"syscall"
)

// Exclusive runs "fn" while holding the locks of all "paths". Locks are taken
// in sorted order, so two Exclusive calls cannot deadlock each other.
func (o *Orchestrator) Exclusive(fn func() error, paths ...string) error {
	keys := make([]string, 0, len(paths))
	seen := make(map[string]bool, len(paths))
	for _, p := range paths {
		p = canonical(p)
		if !seen[p] {
			seen[p] = true
			keys = append(keys, p)
		}
	}
	sort.Strings(keys)

	o.treeLock.RLock()
	defer o.treeLock.RUnlock()
	for _, k := range keys {
		e := o.locks.Lock(k)
		defer o.locks.Unlock(k, e)
	}
	return fn()
}

// Remove runs "fn", which is expected to delete "path", under the path lock.
// A quarantine entry of the path goes away with it.
func (o *Orchestrator) Remove(path string, fn func() error) error {
	path = canonical(path)
	return o.Exclusive(func() error {
		if err := fn(); err != nil {
			return err
		}
		o.forget(path)
		return nil
	}, path)
}

// Rename runs "fn", which is expected to rename "oldPath" to "newPath".
// A directory rename moves every path below it, so this waits until no
// operation is in flight anywhere.
func (o *Orchestrator) Rename(oldPath string, newPath string, fn func() error) error {
	oldPath = canonical(oldPath)
	newPath = canonical(newPath)
	o.treeLock.Lock()
	defer o.treeLock.Unlock()
	if err := fn(); err != nil {
		return err
	}
	o.moveQuarantine(oldPath, newPath)
	return nil
}

// Link runs "fn", which is expected to hard-link "target" to "newPath",
// under the locks of both paths. Flagged targets get EPERM: every swap
// gives the target a new inode, and a second name would keep the old one.
func (o *Orchestrator) Link(target string, newPath string, fn func() error) error {
	target = canonical(target)
	return o.Exclusive(func() error {
		if err := o.checkQuarantine(target); err != nil {
			return err
		}
		enc, err := o.cfg.State.IsEncrypted(target)
		if err != nil {
			return err
		}
		if enc {
			return syscall.EPERM
		}
		return fn()
	}, target, newPath)
}
