package main

import (
	"os"

	"github.com/triadlabs/magi/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
