package main

import (
	"context"
	"errors"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/janvanbouwel/libzt-node/tcp"
)

func connectCmd(g *globals) *cobra.Command {
	var interactive bool
	cmd := &cobra.Command{
		Use:   "connect <address:port | multiaddr>",
		Short: "Connect to a TCP server and pipe stdin and stdout through it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := parseTarget(args[0], "tcp")
			if err != nil {
				return err
			}
			if interactive && !term.IsTerminal(int(os.Stdin.Fd())) {
				return errors.New("interactive mode needs a terminal on stdin")
			}
			s, err := g.open()
			if err != nil {
				return err
			}
			defer s.close()

			return s.run(cmd.Context(), func(ctx context.Context) error {
				conn, err := tcp.DialStream(ctx, s.bridge, t.Port, t.Address)
				if err != nil {
					return err
				}
				defer conn.Close()
				if interactive {
					return runChat(conn, t)
				}
				return pipe(ctx, conn, cmd.InOrStdin(), cmd.OutOrStdout())
			})
		},
	}
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "line-based chat TUI")
	return cmd
}

// pipe copies in to conn and conn to out until the peer closes or ctx
// ends. End of in shuts down the sending side only.
func pipe(ctx context.Context, conn *tcp.Stream, in io.Reader, out io.Writer) error {
	recvDone := make(chan error, 1)
	go func() {
		_, err := io.Copy(out, conn)
		recvDone <- err
	}()
	go func() {
		if _, err := io.Copy(conn, in); err == nil {
			_ = conn.CloseWrite()
		}
	}()

	select {
	case err := <-recvDone:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
