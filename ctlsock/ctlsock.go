// Package ctlsock is a Go library that can be used to query the
// xcryptfs control socket interface. This interface can be
// activated by passing `-ctlsock /tmp/my.sock` to xcryptfs on the
// command line.
//
// It reports which files are encrypted at rest, lists files that were left
// in plaintext because re-encryption failed, and triggers their recovery.
package ctlsock

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

func (r *ResponseStruct) Error() string {
	return fmt.Sprintf("errno %d: %s", r.ErrNo, r.ErrText)
}

// CtlSock encapsulates a control socket
type CtlSock struct {
	Conn net.Conn
}

// New opens the socket at `socketPath` and stores it in a `CtlSock` object.
func New(socketPath string) (*CtlSock, error) {
	conn, err := net.DialTimeout("unix", socketPath, 1*time.Second)
	if err != nil {
		return nil, err
	}
	return &CtlSock{Conn: conn}, nil
}

// Query sends a request to the control socket returns the response.
func (c *CtlSock) Query(req *RequestStruct) (*ResponseStruct, error) {
	// Recovering a large file takes a while
	c.Conn.SetDeadline(time.Now().Add(time.Minute))
	msg, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	_, err = c.Conn.Write(msg)
	if err != nil {
		return nil, err
	}
	// The response is newline-terminated and can be longer than one read
	// when it lists many paths.
	line, err := bufio.NewReader(c.Conn).ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	var resp ResponseStruct
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, err
	}
	if resp.ErrNo != 0 {
		return nil, &resp
	}
	return &resp, nil
}

// Status queries the state of "path".
func (c *CtlSock) Status(path string) (*ResponseStruct, error) {
	return c.Query(&RequestStruct{Status: path})
}

// Recover asks the server to re-encrypt the quarantined file at "path".
func (c *CtlSock) Recover(path string) error {
	_, err := c.Query(&RequestStruct{Recover: path})
	return err
}

// ListInconsistent returns the quarantined paths.
func (c *CtlSock) ListInconsistent() ([]string, error) {
	resp, err := c.Query(&RequestStruct{ListInconsistent: true})
	if err != nil {
		return nil, err
	}
	return resp.Paths, nil
}

// Close closes the socket
func (c *CtlSock) Close() {
	c.Conn.Close()
}
