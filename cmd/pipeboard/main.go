// Package main is the entry point for the pipeboard server and CLI.
package main

import "github.com/pipeboard/pipeboard/internal/cli"

func main() {
	cli.Execute()
}
