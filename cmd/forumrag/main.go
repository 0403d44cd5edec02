// Package main provides the entry point for the forumrag CLI.
package main

import (
	"os"

	"github.com/forumrag/forumrag/cmd/forumrag/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
