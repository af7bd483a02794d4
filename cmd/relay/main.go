// Package main is the entry point for the relay action server.
package main

import (
	"context"
	"os"

	"github.com/pitabwire/relay/internal/cli"
	"github.com/pitabwire/relay/internal/observability"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	observability.Version = version
	observability.Commit = commit

	if err := cli.NewRootCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
