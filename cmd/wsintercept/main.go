// Package main is the entry point for the wsintercept CLI.
package main

import (
	"fmt"
	"os"

	"github.com/relayforge/wsintercept/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.ExitCodeOf(err))
	}
}
