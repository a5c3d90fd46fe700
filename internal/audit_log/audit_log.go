// Package audit_log writes a newline-delimited JSON trail of file accesses
// and swap failures, one event per line:
//
//	{"eventType":"write","timestamp":"2025-02-17T11:48:00","context":{"pid":1000,"uid":1337,"gid":1000,"caller_process":"/usr/bin/cat"},"payload":{"path":"a/b"}}
//
// "context" is only present for events caused by a FUSE request.
package audit_log

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/xcryptfs/xcryptfs/internal/tlog"
)

// AuditEvent is an enum to make sure that no undefined events are written out
type AuditEvent int

const (
	// Synthetic events
	EventStartAuditTrail AuditEvent = iota
	EventEndAuditTrail
	EventInconsistent
	EventRecover

	// FUSE events
	EventOpen
	EventCreate
	EventRead
	EventWrite
	EventTruncate
	EventRename
	EventUnlink
	EventMknod
	EventLink
)

var eventName = map[AuditEvent]string{
	EventStartAuditTrail: "startAuditTrail",
	EventEndAuditTrail:   "endAuditTrail",
	EventInconsistent:    "inconsistent",
	EventRecover:         "recover",

	EventOpen:     "open",
	EventCreate:   "create",
	EventRead:     "read",
	EventWrite:    "write",
	EventTruncate: "truncate",
	EventRename:   "rename",
	EventUnlink:   "unlink",
	EventMknod:    "mknod",
	EventLink:     "link",
}

func (ae AuditEvent) String() string {
	if n, ok := eventName[ae]; ok {
		return n
	}
	return fmt.Sprintf("AuditEvent(%d)", int(ae))
}

// MarshalText makes the event type show up as its name in JSON
func (ae AuditEvent) MarshalText() ([]byte, error) {
	return []byte(ae.String()), nil
}

type callerContext struct {
	Pid           uint32 `json:"pid"`
	Uid           uint32 `json:"uid"`
	Gid           uint32 `json:"gid"`
	CallerProcess string `json:"caller_process"`
}

type event struct {
	EventType AuditEvent        `json:"eventType"`
	Timestamp string            `json:"timestamp"`
	Context   *callerContext    `json:"context,omitempty"`
	Payload   map[string]string `json:"payload"`
}

// Log is an open audit trail. A nil *Log is valid and discards all events,
// so callers do not have to check whether auditing is enabled.
type Log struct {
	mu sync.Mutex
	f  *os.File
}

// Open creates (or truncates) the audit trail at "path" and writes the
// start event.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("audit log: %w", err)
	}
	l := &Log{f: f}
	if err := l.Write(EventStartAuditTrail, nil, nil); err != nil {
		f.Close()
		return nil, err
	}
	return l, nil
}

// Write appends one event. "caller" may be nil for synthetic events.
func (l *Log) Write(etype AuditEvent, caller *fuse.Caller, payload map[string]string) error {
	if l == nil {
		return nil
	}
	ev := event{
		EventType: etype,
		Timestamp: time.Now().Format("2006-01-02T15:04:05"),
		Payload:   payload,
	}
	if ev.Payload == nil {
		ev.Payload = map[string]string{}
	}
	if caller != nil {
		ev.Context = &callerContext{
			Pid:           caller.Pid,
			Uid:           caller.Uid,
			Gid:           caller.Gid,
			CallerProcess: callerProcess(caller.Pid),
		}
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		// Write after Close
		return os.ErrClosed
	}
	if _, err := l.f.Write(line); err != nil {
		tlog.Warn.Printf("Failed to write audit event: %v", err)
		return err
	}
	return nil
}

// Path is a shortcut for the common single-path payload.
func (l *Log) Path(etype AuditEvent, caller *fuse.Caller, path string) {
	l.Write(etype, caller, map[string]string{"path": path})
}

// Close writes the end event and closes the file. Events still being
// written by other goroutines are awaited.
func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.Write(EventEndAuditTrail, nil, nil)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	if err != nil {
		tlog.Warn.Printf("Failed to close audit trail: %v", err)
	}
	return err
}
