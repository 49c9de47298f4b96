package main

import (
	"os"

	"github.com/tapline-labs/tapline/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
