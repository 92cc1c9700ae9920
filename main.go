package main

import (
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"

	"replhub/client"
	"replhub/clock"
	"replhub/server"
	"replhub/util"
)

func main() {
	app := cli.App{
		Name:      util.AppName,
		Usage:     "multi-master replication hub for directory servers",
		UsageText: fmt.Sprintf("%s command [options]", util.AppName),
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "log-level", Value: "info", Usage: "debug, info, warn or error"},
		},
		Before: func(c *cli.Context) error {
			return util.SetLogLevel(c.String("log-level"))
		},
		Commands: []*cli.Command{
			{
				Name:  "client",
				Usage: "Run an interactive replica agent",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "hub", Value: "127.0.0.1:8989", Usage: "ip:port of the hub"},
					&cli.StringFlag{Name: "domain", Required: true, Usage: "replicated base dn"},
					&cli.UintFlag{Name: "id", Required: true, Usage: "replica id (1-65535)"},
					&cli.IntFlag{Name: "window", Value: client.DefaultWindowSize, Usage: "receive window size"},
					&cli.DurationFlag{Name: "timeout", Value: client.DefaultTimeout, Usage: "connect and receive timeout"},
					&cli.UintFlag{Name: "group", Usage: "group id"},
					&cli.StringFlag{Name: "generation", Usage: "generation id of the data set (default: the first hub's)"},
					&cli.BoolFlag{Name: "ignore-assured", Usage: "never acknowledge assured changes"},
				},
				Action: func(c *cli.Context) error {
					id, err := replicaID(c.Uint("id"))
					if err != nil {
						return err
					}
					return client.Run(client.AgentConfig{
						HubAddress:    c.String("hub"),
						Domain:        c.String("domain"),
						ReplicaID:     id,
						WindowSize:    c.Int("window"),
						Timeout:       c.Duration("timeout"),
						GroupID:       uint8(c.Uint("group")),
						GenerationID:  c.String("generation"),
						IgnoreAssured: c.Bool("ignore-assured"),
					})
				},
			},
			{
				Name:  "server",
				Usage: "Run a replication hub",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "listen", Value: server.DefaultListen, Usage: "ip:port to listen to"},
					&cli.StringFlag{Name: "advertise", Usage: "ip:port advertised to peers (default: the listen address)"},
					&cli.UintFlag{Name: "id", Value: 1, Usage: "hub id (1-65535)"},
					&cli.StringSliceFlag{Name: "domain", Required: true, Usage: "replicated base dn, repeatable"},
					&cli.StringFlag{Name: "changelog-dir", Value: "changelogDb", Usage: "change log directory"},
					&cli.StringFlag{Name: "generation", Usage: "data set generation, changing it empties the change logs"},
					&cli.IntFlag{Name: "window", Value: server.DefaultWindowSize, Usage: "window size"},
					&cli.IntFlag{Name: "queue", Value: server.DefaultQueueSize, Usage: "in-memory queue size"},
					&cli.DurationFlag{Name: "purge-delay", Value: server.DefaultPurgeDelay, Usage: "age after which changes are purged, 0 to keep them"},
					&cli.UintFlag{Name: "group", Usage: "group id"},
					&cli.DurationFlag{Name: "assured-timeout", Value: server.DefaultAssuredTimeout, Usage: "assured replication timeout"},
					&cli.IntFlag{Name: "degraded-threshold", Value: server.DefaultDegradedStatusThreshold, Usage: "missing changes after which a replica is degraded, 0 to disable"},
					&cli.StringSliceFlag{Name: "peer", Usage: "ip:port of a peer hub, repeatable"},
					&cli.StringFlag{Name: "tls-cert", Usage: "certificate file"},
					&cli.StringFlag{Name: "tls-key", Usage: "key file"},
					&cli.BoolFlag{Name: "console", Value: true, Usage: "serve the interactive console on stdin"},
				},
				Action: func(c *cli.Context) error {
					id, err := replicaID(c.Uint("id"))
					if err != nil {
						return err
					}
					cfg := server.DefaultConfig()
					cfg.Listen = c.String("listen")
					cfg.AdvertiseURL = c.String("advertise")
					cfg.ServerID = id
					cfg.Domains = c.StringSlice("domain")
					cfg.ChangeLogDir = c.String("changelog-dir")
					cfg.GenerationID = c.String("generation")
					cfg.WindowSize = c.Int("window")
					cfg.QueueSize = c.Int("queue")
					cfg.PurgeDelay = c.Duration("purge-delay")
					cfg.GroupID = uint8(c.Uint("group"))
					cfg.AssuredTimeout = c.Duration("assured-timeout")
					cfg.DegradedStatusThreshold = c.Int("degraded-threshold")
					cfg.PeerHubs = c.StringSlice("peer")
					cfg.TLSCertFile = c.String("tls-cert")
					cfg.TLSKeyFile = c.String("tls-key")
					return server.Run(cfg, c.Bool("console"))
				},
			},
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

func replicaID(v uint) (clock.ReplicaID, error) {
	if v == 0 || v > 65535 {
		return 0, fmt.Errorf("id %d out of range 1-65535", v)
	}
	return clock.ReplicaID(v), nil
}
