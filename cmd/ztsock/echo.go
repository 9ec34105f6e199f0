package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/janvanbouwel/libzt-node/tcp"
)

func echoCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "echo [message...]",
		Short: "Run an echo server and a client against it on the loopback engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				args = []string{"hello", "from", "the", "bridge"}
			}
			local := *g
			local.stack = "loopback"
			s, err := local.open()
			if err != nil {
				return err
			}
			defer s.close()
			return s.run(cmd.Context(), func(ctx context.Context) error {
				return runEcho(ctx, s, cmd.OutOrStdout(), args)
			})
		},
	}
}

// runEcho sends each message as one line and prints what comes back.
func runEcho(ctx context.Context, s *session, out io.Writer, messages []string) error {
	srv, err := listenEcho(ctx, s.bridge, target{Address: "127.0.0.1"}, s.log)
	if err != nil {
		return err
	}
	defer srv.Close()

	conn, err := tcp.DialStream(ctx, s.bridge, int(srv.Address().Port), "127.0.0.1")
	if err != nil {
		return err
	}
	defer conn.Close()

	r := bufio.NewReader(conn)
	for _, msg := range messages {
		line := strings.ReplaceAll(msg, "\n", " ") + "\n"
		if _, err := io.WriteString(conn, line); err != nil {
			return err
		}
		got, err := r.ReadString('\n')
		if err != nil {
			return fmt.Errorf("read echo: %w", err)
		}
		fmt.Fprintf(out, "echo: %s", got)
	}

	if err := conn.CloseWrite(); err != nil {
		return err
	}
	if _, err := io.Copy(io.Discard, r); err != nil {
		return err
	}
	stats := conn.Socket().Stats()
	fmt.Fprintf(out, "sent %d bytes, received %d bytes\n", stats.BytesWritten, stats.BytesRead)
	return nil
}
