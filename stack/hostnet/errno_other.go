//go:build !unix

package hostnet

import "github.com/janvanbouwel/libzt-node/stack"

// TODO: map winsock error codes through golang.org/x/sys/windows.
func errnoOf(error) (stack.Err, bool) { return 0, false }
