//go:build unix

package hostnet

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/janvanbouwel/libzt-node/stack"
)

func errnoOf(err error) (stack.Err, bool) {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return 0, false
	}
	switch errno {
	case unix.ECONNREFUSED, unix.ECONNRESET, unix.EPIPE:
		return stack.ErrRst, true
	case unix.ECONNABORTED:
		return stack.ErrAbrt, true
	case unix.EADDRINUSE:
		return stack.ErrUse, true
	case unix.EADDRNOTAVAIL, unix.EAFNOSUPPORT:
		return stack.ErrVal, true
	case unix.ENETUNREACH, unix.EHOSTUNREACH, unix.ENETDOWN:
		return stack.ErrRte, true
	case unix.ETIMEDOUT:
		return stack.ErrTimeout, true
	case unix.EMSGSIZE, unix.ENOBUFS, unix.ENOMEM:
		return stack.ErrMem, true
	case unix.EAGAIN:
		return stack.ErrWouldBlock, true
	case unix.EINPROGRESS:
		return stack.ErrInProgress, true
	case unix.EALREADY:
		return stack.ErrAlready, true
	case unix.EISCONN:
		return stack.ErrIsConn, true
	case unix.ENOTCONN:
		return stack.ErrConn, true
	case unix.EINVAL:
		return stack.ErrArg, true
	}
	return stack.ErrIf, true
}
