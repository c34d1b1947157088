package main

import (
	"os"

	"github.com/ekisa-team/tfconv/cmd/tfconv/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
