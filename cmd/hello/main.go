// Package main is the entrypoint for the hello service.
// It serves a fixed GitOps greeting on GET / and nothing else.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aelexs/gitops-hello/internal/config"
	"github.com/aelexs/gitops-hello/internal/domain"
	"github.com/aelexs/gitops-hello/internal/greeting"
	"github.com/aelexs/gitops-hello/internal/server"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

// Exit codes: bind and runtime failures exit 1, bad configuration exits 2.
const (
	exitFailure     = 1
	exitConfigError = 2
)

func main() {
	ctx := context.Background()
	if err := run(ctx); err != nil {
		code := exitCode(err)
		if code == exitConfigError {
			fmt.Fprintf(os.Stderr, "fatal: invalid configuration: %v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		}
		os.Exit(code)
	}
}

func exitCode(err error) int {
	if domain.IsConfigError(err) {
		return exitConfigError
	}
	return exitFailure
}

func run(ctx context.Context) error {
	return server.Run(ctx, server.Params{
		Name:           "hello",
		Version:        version,
		PortFromConfig: func(cfg *config.Config) int { return cfg.Port },
		Register:       greeting.Register,
	}, nil)
}
