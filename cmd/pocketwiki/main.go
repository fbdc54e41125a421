// Package main provides the entry point for the pocketwiki CLI.
package main

import (
	"os"

	"github.com/pocketwiki/pocketwikirag/cmd/pocketwiki/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
