package hostnet

import (
	"context"
	"errors"
	"io"
	"net"
	"os"

	"github.com/janvanbouwel/libzt-node/stack"
)

// errOf translates a socket error into an engine status.
func errOf(err error) stack.Err {
	switch {
	case err == nil:
		return stack.ErrOK
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		return stack.ErrClsd
	case errors.Is(err, os.ErrDeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return stack.ErrTimeout
	case errors.Is(err, context.Canceled):
		return stack.ErrAbrt
	}
	if code, ok := errnoOf(err); ok {
		return code
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return stack.ErrTimeout
	}
	return stack.ErrIf
}
