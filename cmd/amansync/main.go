// Package main provides the entry point for the amansync CLI.
package main

import (
	"os"

	"github.com/Aman-CERP/amansync/cmd/amansync/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
