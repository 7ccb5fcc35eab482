package main

import (
	"os"

	"github.com/tfshome/tfsctl/cmd/tfsctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
