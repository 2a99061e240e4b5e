// Package main provides the entry point for cbdlr, a command-line client
// that opens Cb Defense Live Response sessions on endpoint sensors.
package main

import (
	"os"

	"cbdlr/cmd/cbdlr/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
