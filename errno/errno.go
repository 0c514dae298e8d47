// Package errno defines the POSIX-style error taxonomy returned by every
// public operation in this module, the Go-idiomatic counterpart to the
// teacher kernel's int-coded defs.Err_t.
package errno

import "fmt"

// Errno is a sentinel error code. Zero is never a valid Errno value;
// callers compare with errors.Is against the package constants.
type Errno int

const (
	_ Errno = iota
	EINVAL
	ENOENT
	ENOSPC
	EACCES
	EIO
	EBADMSG
	ECANCELED
	ENOMEM
	ENOSYS
)

var names = map[Errno]string{
	EINVAL:     "EINVAL",
	ENOENT:     "ENOENT",
	ENOSPC:     "ENOSPC",
	EACCES:     "EACCES",
	EIO:        "EIO",
	EBADMSG:    "EBADMSG",
	ECANCELED:  "ECANCELED",
	ENOMEM:     "ENOMEM",
	ENOSYS:     "ENOSYS",
}

func (e Errno) Error() string {
	if n, ok := names[e]; ok {
		return n
	}
	return fmt.Sprintf("errno(%d)", int(e))
}

// Wrap annotates err's sentinel code with additional context while
// keeping it comparable via errors.Is(result, code).
func Wrap(code Errno, format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, error(code))...)
}
