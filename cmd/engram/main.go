package main

import (
	"os"

	"github.com/compemperor/engram/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
