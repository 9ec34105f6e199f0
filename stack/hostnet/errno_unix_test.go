//go:build unix

package hostnet

import (
	"net"
	"os"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/janvanbouwel/libzt-node/stack"
)

func TestErrOf_Errno(t *testing.T) {
	tests := []struct {
		errno unix.Errno
		want  stack.Err
	}{
		{unix.ECONNREFUSED, stack.ErrRst},
		{unix.ECONNRESET, stack.ErrRst},
		{unix.EADDRINUSE, stack.ErrUse},
		{unix.ENETUNREACH, stack.ErrRte},
		{unix.ETIMEDOUT, stack.ErrTimeout},
		{unix.EMSGSIZE, stack.ErrMem},
		{unix.EPERM, stack.ErrIf},
	}

	for _, tt := range tests {
		t.Run(tt.errno.Error(), func(t *testing.T) {
			err := &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", tt.errno)}
			if got := errOf(err); got != tt.want {
				t.Fatalf("errOf(%v) = %v, want %v", tt.errno, got, tt.want)
			}
		})
	}
}
