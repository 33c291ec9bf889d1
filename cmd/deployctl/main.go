package main

import (
	"context"
	"fmt"
	"os"

	"github.com/iac-studio/deployengine/cmd/deployctl/commands"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	if err := commands.Execute(context.Background(), version, commit, buildDate); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
