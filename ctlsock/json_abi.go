package ctlsock

// RequestStruct is sent by a client (encoded as JSON). Exactly one of the
// fields must be set. Paths are relative to the mount point.
type RequestStruct struct {
	// Status queries the encryption state of a path.
	Status string
	// Recover re-encrypts a file that was left in plaintext at rest.
	Recover string
	// Dismiss lifts the quarantine of a file without touching its content.
	// Use this after repairing a file by other means.
	Dismiss string
	// ListInconsistent lists all quarantined files.
	ListInconsistent bool
}

// ResponseStruct is sent by the server in response to a request
// (encoded as JSON).
type ResponseStruct struct {
	// Encrypted is the encryption flag of the queried path.
	Encrypted bool
	// Inconsistent is true if the queried path is quarantined.
	Inconsistent bool
	// Paths is the result of ListInconsistent.
	Paths []string
	// SwapCount is the number of content swaps since mount.
	SwapCount uint64
	// ErrNo is the error number as defined in errno.h.
	// 0 means success and -1 means that the error number is not known
	// (look at ErrText in this case).
	ErrNo int32
	// ErrText is a detailed error message.
	ErrText string
	// WarnText contains warnings that may have been encountered while
	// processing the message.
	WarnText string
}
