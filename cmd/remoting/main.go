package main

import (
	"os"

	"github.com/pyropy/remoting/core/node"
	"github.com/pyropy/remoting/lib/logger"
	"github.com/urfave/cli/v2"
)

var log, _ = logger.New("remoting")

func main() {
	app := &cli.App{
		Name:  "remoting",
		Usage: "Run and inspect remoting channel nodes",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				EnvVars: []string{"REMOTING_CONFIG"},
				Usage:   "Path to a TOML config file",
			},
			&cli.StringFlag{
				Name:  "admin-addr",
				Usage: "Admin RPC address, overrides the config",
			},
		},
		Commands: []*cli.Command{
			serveCmd,
			connectCmd,
			catalogCmd,
			channelsCmd,
			resolveCmd,
			statsCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalln("startup", "ERROR", err)
	}
}

func loadConfig(ctx *cli.Context) (*node.Config, error) {
	cfg, err := node.GetConfig(ctx.String("config"))
	if err != nil {
		return nil, err
	}

	if addr := ctx.String("admin-addr"); addr != "" {
		cfg.Admin.Addr = addr
	}

	return cfg, nil
}
