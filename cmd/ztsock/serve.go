package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/janvanbouwel/libzt-node/bridge"
	"github.com/janvanbouwel/libzt-node/tcp"
)

func serveCmd(g *globals) *cobra.Command {
	var (
		backlog  int
		maxConns int
	)
	cmd := &cobra.Command{
		Use:   "serve <address:port | multiaddr>",
		Short: "Run a TCP echo server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := parseTarget(args[0], "tcp")
			if err != nil {
				return err
			}
			s, err := g.open()
			if err != nil {
				return err
			}
			defer s.close()

			return s.run(cmd.Context(), func(ctx context.Context) error {
				srv, err := listenEcho(ctx, s.bridge, t, s.log,
					tcp.WithBacklog(backlog), tcp.WithMaxConnections(maxConns))
				if err != nil {
					return err
				}
				addr := srv.Address()
				fmt.Fprintf(cmd.OutOrStdout(), "listening on %s:%d\n", addr.Address, addr.Port)
				<-ctx.Done()
				_, err = srv.Close().Await(context.Background())
				return err
			})
		},
	}
	cmd.Flags().IntVar(&backlog, "backlog", tcp.DefaultBacklog, "listen backlog")
	cmd.Flags().IntVar(&maxConns, "max-conns", 0, "abort connections beyond this many (0 = unlimited)")
	return cmd
}

// listenEcho starts a server that writes every byte it receives back to
// the sender.
func listenEcho(ctx context.Context, b *bridge.Bridge, t target, log *zap.Logger, opts ...tcp.ServerOption) (*tcp.Server, error) {
	f, err := tcp.Listen(b, t.Port, t.Address, func(sock *tcp.Socket, err error) {
		if err != nil {
			log.Warn("accept failed", zap.Error(err))
			return
		}
		info := sock.AddrInfo()
		log.Info("connection", zap.String("remote", fmt.Sprintf("%s:%d", info.RemoteAddr, info.RemotePort)))
		st := tcp.NewStream(sock)
		go func() {
			defer st.Close()
			n, err := io.Copy(st, st)
			log.Info("connection done", zap.String("id", sock.ID()), zap.Int64("bytes", n), zap.Error(err))
		}()
	}, opts...)
	if err != nil {
		return nil, err
	}
	return f.Await(ctx)
}
