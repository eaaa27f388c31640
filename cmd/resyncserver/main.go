package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jgivc/resyncserver/internal/app"
	"github.com/jgivc/resyncserver/internal/config"
	"github.com/urfave/cli/v3"
)

const (
	defaultLogConfig = "config/logging.yaml"
	defaultPort      = 8888
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := &cli.Command{
		Name:  "resyncserver",
		Usage: "Publish a directory of resources as ResourceSync documents",
		Description: `Serves the resources of a directory over HTTP and keeps the ResourceSync
capability list, resource lists and the well-known source description up to date.

Send SIGUSR1 to run a generation and SIGUSR2 to rescan the resource directory.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config-file",
				Aliases: []string{"c"},
				Usage:   "Path to the yaml config file",
			},
			&cli.StringFlag{
				Name:    "log-config",
				Aliases: []string{"l"},
				Value:   defaultLogConfig,
				Usage:   "Path to the logging config file",
			},
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Value:   defaultPort,
				Usage:   "Port to listen on, overrides the config file",
			},
		},
		Action: run,
	}

	if err := cmd.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	cfgPath := cmd.String("config-file")
	if cfgPath == "" {
		return cli.ShowAppHelp(cmd)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	if cmd.IsSet("port") {
		cfg.SetPort(int(cmd.Int("port")))
	}

	logCfg, err := config.LoadLogConfig(cmd.String("log-config"), cmd.IsSet("log-config"))
	if err != nil {
		return err
	}

	log := app.NewLogger(logCfg, os.Stderr)

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}

	return a.Run(ctx)
}
