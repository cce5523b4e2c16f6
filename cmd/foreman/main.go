// Package main provides the CLI entry point for foreman.
package main

import (
	"fmt"
	"os"

	"github.com/harrison/foreman/internal/cmd"
)

// Version is the current version of foreman.
const Version = "0.3.0"

func main() {
	rootCmd := cmd.NewRootCommand(Version)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
