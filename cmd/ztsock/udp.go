package main

import (
	"context"
	"fmt"
	"io"
	"net/netip"
	"strings"

	"github.com/spf13/cobra"

	"github.com/janvanbouwel/libzt-node/stack"
	"github.com/janvanbouwel/libzt-node/udp"
)

func udpCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "udp",
		Short: "Send or receive datagrams",
	}
	cmd.AddCommand(udpSendCmd(g), udpListenCmd(g))
	return cmd
}

func familyOf(address string) stack.Family {
	if a, err := netip.ParseAddr(address); err == nil {
		return stack.FamilyOf(a)
	}
	return stack.IPv4
}

func udpSendCmd(g *globals) *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "send <address:port | multiaddr> <message...>",
		Short: "Send one datagram, optionally waiting for a reply",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := parseTarget(args[0], "udp")
			if err != nil {
				return err
			}
			s, err := g.open()
			if err != nil {
				return err
			}
			defer s.close()

			out := cmd.OutOrStdout()
			return s.run(cmd.Context(), func(ctx context.Context) error {
				replies := make(chan udp.Message, 1)
				sock := udp.NewSocket(s.bridge, familyOf(t.Address), func(m udp.Message) {
					select {
					case replies <- m:
					default:
					}
				})
				defer sock.Close()

				f, err := sock.Send([]byte(strings.Join(args[1:], " ")), t.Address, t.Port)
				if err != nil {
					return err
				}
				if _, err := f.Await(ctx); err != nil {
					return err
				}
				if !wait {
					return nil
				}
				select {
				case m := <-replies:
					printDatagram(out, m)
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			})
		},
	}
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait for one reply")
	return cmd
}

func udpListenCmd(g *globals) *cobra.Command {
	var echo bool
	cmd := &cobra.Command{
		Use:   "listen <address:port | multiaddr>",
		Short: "Print received datagrams",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := parseTarget(args[0], "udp")
			if err != nil {
				return err
			}
			s, err := g.open()
			if err != nil {
				return err
			}
			defer s.close()

			out := cmd.OutOrStdout()
			return s.run(cmd.Context(), func(ctx context.Context) error {
				var sock *udp.Socket
				sock = udp.NewSocket(s.bridge, familyOf(t.Address), func(m udp.Message) {
					printDatagram(out, m)
					if echo {
						// the handler runs on the loop; the future settles later
						_, _ = sock.Send(m.Data, m.Addr, int(m.Port))
					}
				})
				f, err := sock.Bind(t.Address, t.Port)
				if err != nil {
					return err
				}
				addr, err := f.Await(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "listening on %s:%d\n", addr.Address, addr.Port)
				<-ctx.Done()
				_, err = sock.Close().Await(context.Background())
				return err
			})
		},
	}
	cmd.Flags().BoolVarP(&echo, "echo", "e", false, "send every datagram back to its sender")
	return cmd
}

func printDatagram(out io.Writer, m udp.Message) {
	fmt.Fprintf(out, "%s:%d %q\n", m.Addr, m.Port, m.Data)
}
