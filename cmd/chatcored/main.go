package main

import (
	"os"

	"github.com/opd-ai/chatcore/cmd/chatcored/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
