// Command chatgate runs the channel session gateway and its operator CLI.
package main

import (
	"fmt"
	"os"

	"github.com/jholhewres/chatgate/cmd/chatgate/commands"
)

// version is set at build time via ldflags.
var version = "dev"

func main() {
	rootCmd := commands.NewRootCmd(version)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
