// Command agenth runs the Agent-H daemon and its CLI.
package main

import (
	"os"

	"github.com/jholhewres/agenth/cmd/agenth/commands"
)

var version = "dev"

func main() {
	if err := commands.NewRootCmd(version).Execute(); err != nil {
		os.Exit(1)
	}
}
