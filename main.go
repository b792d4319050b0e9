package main

import (
	"os"

	"github.com/veloframe/velo/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
