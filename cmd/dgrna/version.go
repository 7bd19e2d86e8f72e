package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	be "github.com/samcharles93/dgrna/internal/backend"
	"github.com/samcharles93/dgrna/internal/version"
)

func versionCmd() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print version information",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			info := version.Resolve()
			fmt.Printf("version:    %s\n", info.Version)
			if info.Commit != "" {
				fmt.Printf("commit:     %s\n", info.Commit)
			}
			if info.BuildTime != "" {
				fmt.Printf("build time: %s\n", info.BuildTime)
			}
			if info.GoVersion != "" {
				fmt.Printf("go:         %s\n", info.GoVersion)
			}
			fmt.Printf("backends:   %s\n", be.Available())
			fmt.Printf("cpu:        %s\n", be.Features())
			return nil
		},
	}
}
