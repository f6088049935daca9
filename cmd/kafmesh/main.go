package main

import (
	"os"

	"github.com/KafClaw/KafMesh/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
