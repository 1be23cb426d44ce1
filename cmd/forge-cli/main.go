// Package main is the entry point for forge-cli, the operator/debug
// client for a running forge-server.
package main

import "github.com/forgehq/runtime-core/internal/cli"

func main() {
	cli.Execute()
}
