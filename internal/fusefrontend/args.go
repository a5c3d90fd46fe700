package fusefrontend

// Args is a container for arguments that are passed from main() to fusefrontend
type Args struct {
	// Mirrordir is the backing storage directory (absolute path).
	Mirrordir string
	// Should we chown a file after it has been created?
	// This only makes sense if (1) allow_other is set and (2) we run as root.
	PreserveOwner bool
}
