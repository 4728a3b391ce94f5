// Package main is the entry point for the todo-board terminal client.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"taskboard/cli"
)

// version is set at build time using -ldflags.
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return cli.NewRootCommand(version).ExecuteContext(ctx)
}
