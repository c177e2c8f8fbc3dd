package main

import (
	"os"

	"github.com/austindbirch/control_core/cmd/relayctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
