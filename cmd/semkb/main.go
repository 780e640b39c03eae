// Package main provides the entry point for the semkb CLI.
package main

import (
	"os"

	"github.com/semkb/semkb/cmd/semkb/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
