package main

import (
	"os"

	"github.com/Joy-less/RemSend-sub000/config"
	"github.com/Joy-less/RemSend-sub000/message"
	"github.com/Joy-less/RemSend-sub000/middleware"
	"github.com/Joy-less/RemSend-sub000/node"
	"github.com/Joy-less/RemSend-sub000/registry"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func peerCmd() *cli.Command {
	return &cli.Command{
		Name:  "peer",
		Usage: "Run a peer exposing Echo until interrupted",
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:    "listen",
				Usage:   "address to accept peers on",
				EnvVars: []string{"REMSEND_LISTEN"},
				Value:   "127.0.0.1:7000",
			},
			&cli.StringFlag{
				Name:  "advertise",
				Usage: "address registered in the directory (defaults to the listen address)",
			},
			&cli.IntFlag{
				Name:  "authority",
				Usage: "peer id trusted by AuthorityOnly procedures",
				Value: int(message.Authority),
			},
			&cli.StringSliceFlag{
				Name:    "etcd",
				Usage:   "etcd endpoints of the session directory",
				EnvVars: []string{"REMSEND_ETCD"},
			},
			&cli.StringFlag{
				Name:  "session",
				Usage: "session name in the directory",
				Value: "default",
			},
			&cli.StringFlag{
				Name:  "overrides",
				Usage: "procedure descriptor overrides, reloaded on change (default ~/.remsend/overrides.json when present)",
			},
			&cli.Float64Flag{
				Name:  "rate",
				Usage: "inbound calls per second per sender, 0 disables the limit",
			},
		}, transportFlags...),
		Action: runPeer,
	}
}

func runPeer(c *cli.Context) error {
	t, err := newTransport(c, c.String("listen"))
	if err != nil {
		return err
	}

	opts := []node.Option{
		node.WithLogger(logger),
		node.WithAuthority(message.PeerID(c.Int("authority"))),
		node.WithMiddleware(middleware.Recover(), middleware.Logging(logger)),
	}
	if rate := c.Float64("rate"); rate > 0 {
		opts = append(opts, node.WithMiddleware(middleware.PeerRateLimit(rate, int(rate)+1)))
	}

	if endpoints := c.StringSlice("etcd"); len(endpoints) > 0 {
		reg, err := registry.NewEtcdRegistry(endpoints, logger)
		if err != nil {
			return err
		}
		defer reg.Close()
		advertise := c.String("advertise")
		if advertise == "" {
			advertise = t.Addr().String()
		}
		opts = append(opts, node.WithRegistry(reg, c.String("session"), registry.Peer{Addr: advertise, Weight: 1}))
	}

	n := node.New(t, opts...)
	if err := registerEcho(n); err != nil {
		return err
	}

	path := c.String("overrides")
	if path == "" {
		if def, err := config.DefaultPath(); err == nil {
			if _, err := os.Stat(def); err == nil {
				path = def
			}
		}
	}
	if path != "" {
		if err := n.WatchOverrides(path); err != nil {
			return err
		}
	}

	if err := n.Start(c.Context); err != nil {
		n.Close()
		return err
	}
	logger.Info("peer running", zap.Int32("id", int32(n.ID())), zap.Stringer("addr", t.Addr()))

	<-c.Context.Done()
	logger.Info("shutting down")
	return n.Close()
}
