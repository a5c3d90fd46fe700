// Package ctlsocksrv implements the control socket interface that can be
// activated by passing "-ctlsock" on the command line.
package ctlsocksrv

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/xcryptfs/xcryptfs/ctlsock"
	"github.com/xcryptfs/xcryptfs/internal/tlog"
)

// Interface is implemented by fusefrontend. All paths are relative to the
// mount point and already sanitized.
type Interface interface {
	State(path string) (encrypted bool, inconsistent bool, err error)
	Recover(path string) error
	Dismiss(path string) error
	Inconsistent() []string
	SwapCount() uint64
}

type ctlSockHandler struct {
	fs     Interface
	socket *net.UnixListener
}

// Serve serves incoming connections on "sock". This call blocks so you
// probably want to run it in a new goroutine.
func Serve(sock net.Listener, fs Interface) {
	handler := ctlSockHandler{
		fs:     fs,
		socket: sock.(*net.UnixListener),
	}
	handler.acceptLoop()
}

func (ch *ctlSockHandler) acceptLoop() {
	for {
		conn, err := ch.socket.Accept()
		if err != nil {
			// This can trigger on program exit with "use of closed network connection".
			// Special-casing this is hard due to https://github.com/golang/go/issues/4373
			// so just don't use tlog.Warn to not cause panics in the tests.
			tlog.Info.Printf("ctlsock: Accept error: %v", err)
			break
		}
		go ch.handleConnection(conn.(*net.UnixConn))
	}
}

// ReadBufSize is the size of the request read buffer.
// The longest possible path is 4096 bytes on Linux, so 5000 bytes should be
// enough to hold the whole JSON request. This assumes that the path does not
// contain too many characters that had to be escaped in JSON (for example, a
// null byte blows up to "\u0000").
// We abort the connection if the request is bigger than this.
const ReadBufSize = 5000

// handleConnection reads and parses JSON requests from "conn"
func (ch *ctlSockHandler) handleConnection(conn *net.UnixConn) {
	defer conn.Close()
	buf := make([]byte, ReadBufSize)
	for {
		n, err := conn.Read(buf)
		if err == io.EOF {
			return
		} else if err != nil {
			tlog.Warn.Printf("ctlsock: Read error: %#v", err)
			return
		}
		if n == ReadBufSize {
			tlog.Warn.Printf("ctlsock: request too big (max = %d bytes)", ReadBufSize-1)
			return
		}
		var in ctlsock.RequestStruct
		err = json.Unmarshal(buf[:n], &in)
		if err != nil {
			tlog.Warn.Printf("ctlsock: JSON Unmarshal error: %#v", err)
			err = errors.New("JSON Unmarshal error: " + err.Error())
			sendResponse(conn, &ctlsock.ResponseStruct{}, err)
			continue
		}
		out, err := ch.handleRequest(&in)
		sendResponse(conn, out, err)
	}
}

// handleRequest handles an already-unmarshaled JSON request
func (ch *ctlSockHandler) handleRequest(in *ctlsock.RequestStruct) (*ctlsock.ResponseStruct, error) {
	out := &ctlsock.ResponseStruct{}
	set := 0
	var inPath string
	for _, p := range []string{in.Status, in.Recover, in.Dismiss} {
		if p != "" {
			set++
			inPath = p
		}
	}
	if in.ListInconsistent {
		set++
	}
	if set > 1 {
		return out, errors.New("Ambiguous")
	}
	if set == 0 {
		return out, errors.New("Empty input")
	}
	out.SwapCount = ch.fs.SwapCount()
	if in.ListInconsistent {
		out.Paths = ch.fs.Inconsistent()
		return out, nil
	}
	// Canonicalize input path
	clean := SanitizePath(inPath)
	// Warn if a non-canonical path was passed
	if inPath != clean {
		out.WarnText = fmt.Sprintf("Non-canonical input path '%s' has been interpreted as '%s'.", inPath, clean)
	}
	// Error out if the canonical path is now empty
	if clean == "" {
		return out, errors.New("Empty input after canonicalization")
	}
	var err error
	switch {
	case in.Status != "":
		out.Encrypted, out.Inconsistent, err = ch.fs.State(clean)
	case in.Recover != "":
		err = ch.fs.Recover(clean)
	case in.Dismiss != "":
		err = ch.fs.Dismiss(clean)
	}
	return out, err
}

// sendResponse sends a JSON response message
func sendResponse(conn *net.UnixConn, msg *ctlsock.ResponseStruct, err error) {
	if err != nil {
		msg.ErrText = err.Error()
		msg.ErrNo = -1
		// Try to extract the actual error number
		var errno syscall.Errno
		if errors.As(err, &errno) {
			msg.ErrNo = int32(errno)
		}
	}
	jsonMsg, err := json.Marshal(msg)
	if err != nil {
		tlog.Warn.Printf("ctlsock: Marshal failed: %v", err)
		return
	}
	// For convenience for the user, add a newline at the end.
	jsonMsg = append(jsonMsg, '\n')
	_, err = conn.Write(jsonMsg)
	if err != nil {
		tlog.Warn.Printf("ctlsock: Write failed: %v", err)
	}
}

// SanitizePath adapts filepath.Clean for FUSE paths.
//  1. Leading slash(es) are dropped
//  2. It returns "" instead of "."
//  3. If the cleaned path points above CWD (start with ".."), an empty string
//     is returned
//
// See the TestSanitizePath testcases for examples.
func SanitizePath(path string) string {
	// (1)
	path = strings.TrimLeft(path, "/")
	if len(path) == 0 {
		return ""
	}
	clean := filepath.Clean(path)
	// (2)
	if clean == "." {
		return ""
	}
	// (3)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return ""
	}
	return clean
}
