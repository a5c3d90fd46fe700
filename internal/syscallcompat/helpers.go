package syscallcompat

import (
	"errors"
	"syscall"
)

// IsENOSPC tries to find out if "err" is a (potentially wrapped) ENOSPC error.
func IsENOSPC(err error) bool {
	return errors.Is(err, syscall.ENOSPC)
}

// IsENODATA finds out if "err" means that an extended attribute does not
// exist. ENODATA is called ENOATTR on some platforms.
func IsENODATA(err error) bool {
	return errors.Is(err, syscall.ENODATA)
}

// IsENOTSUP finds out if "err" means that the filesystem does not support
// the operation at all (for example, no user xattrs on this mount).
func IsENOTSUP(err error) bool {
	return errors.Is(err, syscall.ENOTSUP) || errors.Is(err, syscall.EOPNOTSUPP)
}
