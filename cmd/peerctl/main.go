// peerctl runs one node of a static peer set: it listens for inbound peers,
// dials the configured ones, and keeps a session with each until interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/edgepeer/internal/logging"
	"github.com/danmuck/edgepeer/internal/node"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "peerctl: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	settings, err := parseArgs(args, os.Stderr)
	if err != nil {
		return err
	}
	logging.Apply(settings.Log)

	n, err := node.New(settings.Node)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return n.Run(ctx)
}
