package main

import (
	"os"

	"github.com/spigell/auto-applier/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
