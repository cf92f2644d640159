// Command imap-mcp serves read-only mailbox tools over the Model Context
// Protocol on stdin/stdout.
package main

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	imap "github.com/BrianLeishman/imap-mcp"
	"github.com/joho/godotenv"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/urfave/cli/v2"
)

var version = "dev"

func main() {
	app := &cli.App{
		Name:    "imap-mcp",
		Usage:   "expose an IMAP mailbox as MCP tools over stdio",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "load environment variables from `FILE` when it exists",
				Value: ".env",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "log IMAP protocol traffic to stderr",
			},
		},
		Action: run,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := app.RunContext(ctx, os.Args); err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("imap-mcp failed", "error", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	if err := godotenv.Load(c.String("env-file")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	cfg, err := imap.LoadConfig()
	if err != nil {
		return err
	}
	imap.Verbose = cfg.Verbose || c.Bool("verbose")

	var store imap.SecretStore
	if cfg.UsesKeyring() {
		ring, err := imap.OpenKeyring()
		if err != nil {
			return err
		}
		store = ring
	}
	creds, err := cfg.Credentials(store)
	if err != nil {
		return err
	}
	opts, err := cfg.Options()
	if err != nil {
		return err
	}

	bridge := imap.NewBridge(creds, opts)
	defer bridge.Close()

	slog.New(slog.NewTextHandler(os.Stderr, nil)).Info("serving mailbox tools", "account", creds, "pool_size", opts.PoolSize)
	return newServer(bridge).Run(c.Context, &mcp.StdioTransport{})
}
