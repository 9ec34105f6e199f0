package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var g globals
	rootCmd := &cobra.Command{
		Use:   "ztsock",
		Short: "Drive TCP and UDP sockets through the cross-goroutine socket bridge",
		Long: `ztsock exercises the socket bridge against one of two engines:

  loopback  an in-process network, every address in 127.0.0.0/8
  hostnet   the operating system's sockets

The echo command is a self-contained demo on the loopback engine.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	g.register(rootCmd)

	rootCmd.AddCommand(
		echoCmd(&g),
		serveCmd(&g),
		connectCmd(&g),
		udpCmd(&g),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
