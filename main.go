// Package main is the entry point for the dashql CLI application.
// It connects to query backends and streams query results to the terminal.
package main

import (
	"dashql/cli/cmd"
)

// main is the entry point for the dashql CLI application.
func main() {
	cmd.Execute()
}
