package main

import (
	"os"

	"github.com/flakehunter/ciscan/cmd/ciscan/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
