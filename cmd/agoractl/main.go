// Command agoractl is the operator tool for an Agora deployment: main
// database migrations, tenant registration and repair, and publishing the
// tenant schema to object storage.
//
// It reads the same environment as the server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

const name = "agoractl"

func rootCmd() *cli.Command {
	return &cli.Command{
		Name:  name,
		Usage: "Operate an Agora multi-tenant forum deployment",
		Commands: []*cli.Command{
			migrateCmd(),
			tenantCmd(),
			schemaCmd(),
		},
	}
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd().Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		cancel()
		os.Exit(1)
	}
}
