package main

import (
	"fmt"
	"net/rpc"

	"github.com/google/uuid"
	rpcAdmin "github.com/pyropy/remoting/rpc/admin"
	"github.com/urfave/cli/v2"
)

func adminClient(ctx *cli.Context) (*rpc.Client, error) {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return nil, err
	}

	return rpc.DialHTTP("tcp", cfg.Admin.Addr)
}

var catalogCmd = &cli.Command{
	Name:  "catalog",
	Usage: "Manage archives served to peers",
	Subcommands: []*cli.Command{
		{
			Name:      "add",
			Usage:     "Register an archive file",
			ArgsUsage: "<path>",
			Action: func(ctx *cli.Context) error {
				if ctx.NArg() != 1 {
					return cli.Exit("expected exactly one archive path", 1)
				}

				c, err := adminClient(ctx)
				if err != nil {
					return err
				}
				defer c.Close()

				var reply rpcAdmin.RegisterReply
				err = c.Call("AdminAPI.Register", &rpcAdmin.RegisterArgs{Path: ctx.Args().First()}, &reply)
				if err != nil {
					return err
				}

				fmt.Println(reply.Archive.Fingerprint, reply.Archive.Name, reply.Archive.Size)
				return nil
			},
		},
		{
			Name:  "list",
			Usage: "List registered archives",
			Action: func(ctx *cli.Context) error {
				c, err := adminClient(ctx)
				if err != nil {
					return err
				}
				defer c.Close()

				var reply rpcAdmin.ArchivesReply
				if err := c.Call("AdminAPI.Archives", &rpcAdmin.ArchivesArgs{}, &reply); err != nil {
					return err
				}

				for _, a := range reply.Archives {
					fmt.Println(a.Fingerprint, a.Name, a.Size, a.Path)
				}

				return nil
			},
		},
	},
}

var channelsCmd = &cli.Command{
	Name:  "channels",
	Usage: "List open channels",
	Action: func(ctx *cli.Context) error {
		c, err := adminClient(ctx)
		if err != nil {
			return err
		}
		defer c.Close()

		var reply rpcAdmin.ChannelsReply
		if err := c.Call("AdminAPI.Channels", &rpcAdmin.ChannelsArgs{}, &reply); err != nil {
			return err
		}

		for _, ch := range reply.Channels {
			fmt.Println(ch.ID, ch.PeerName, ch.PeerID, ch.Exports)
		}

		return nil
	},
}

var resolveCmd = &cli.Command{
	Name:  "resolve",
	Usage: "Resolve an archive fingerprint through a channel",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "channel",
			Required: true,
			Usage:    "ID of the channel to fetch through",
		},
		&cli.StringFlag{
			Name:     "fingerprint",
			Required: true,
			Usage:    "Archive fingerprint, 32 hex characters",
		},
	},
	Action: func(ctx *cli.Context) error {
		id, err := uuid.Parse(ctx.String("channel"))
		if err != nil {
			return err
		}

		c, err := adminClient(ctx)
		if err != nil {
			return err
		}
		defer c.Close()

		var reply rpcAdmin.ResolveReply
		args := &rpcAdmin.ResolveArgs{ChannelID: id, Fingerprint: ctx.String("fingerprint")}
		if err := c.Call("AdminAPI.Resolve", args, &reply); err != nil {
			return err
		}

		fmt.Println(reply.Path)
		return nil
	},
}

var statsCmd = &cli.Command{
	Name:  "stats",
	Usage: "Show node counters",
	Action: func(ctx *cli.Context) error {
		c, err := adminClient(ctx)
		if err != nil {
			return err
		}
		defer c.Close()

		var reply rpcAdmin.StatsReply
		if err := c.Call("AdminAPI.Stats", &rpcAdmin.StatsArgs{}, &reply); err != nil {
			return err
		}

		fmt.Printf("channels=%d archives=%d hits=%d misses=%d shared=%d fetches=%d failures=%d\n",
			reply.Channels, reply.Archives, reply.CacheHits, reply.CacheMisses,
			reply.CacheShared, reply.CacheFetches, reply.CacheFailures)
		return nil
	},
}
