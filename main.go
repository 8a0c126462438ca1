package main

import (
	"os"

	"github.com/ibis-coordination/harmonic-automation/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
