package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ome/openmicroscopy-sub004/cli"
	"github.com/ome/openmicroscopy-sub004/pkg/errors"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.Execute(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", errors.FormatError(err))
		stop()
		os.Exit(1)
	}
}
