package main

import (
	"fmt"
	"time"

	"github.com/Joy-less/RemSend-sub000/codec"
	"github.com/Joy-less/RemSend-sub000/loadbalance"
	"github.com/Joy-less/RemSend-sub000/node"
	"github.com/Joy-less/RemSend-sub000/planner"
	"github.com/Joy-less/RemSend-sub000/registry"
	"github.com/urfave/cli/v2"
)

func callCmd() *cli.Command {
	return &cli.Command{
		Name:  "call",
		Usage: "Connect to peers, request Echo once and print the result",
		Flags: append([]cli.Flag{
			&cli.StringSliceFlag{
				Name:     "connect",
				Usage:    "address of a peer to call; repeat to let the balancer pick",
				EnvVars:  []string{"REMSEND_CONNECT"},
				Required: true,
			},
			&cli.StringFlag{
				Name:  "balancer",
				Usage: "strategy picking among connected peers: roundrobin, weighted or hash",
				Value: "roundrobin",
			},
			&cli.StringFlag{
				Name:  "key",
				Usage: "affinity key for the hash balancer",
			},
			&cli.IntFlag{
				Name:  "value",
				Usage: "argument passed to Echo",
				Value: 7,
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "request deadline",
				Value: node.DefaultRequestTimeout,
			},
		}, transportFlags...),
		Action: runCall,
	}
}

func runCall(c *cli.Context) error {
	bal, err := loadbalance.New(c.String("balancer"))
	if err != nil {
		return err
	}
	t, err := newTransport(c, "")
	if err != nil {
		return err
	}
	n := node.New(t, node.WithLogger(logger))
	defer n.Close()
	if err := registerEcho(n); err != nil {
		return err
	}
	if err := n.Start(c.Context); err != nil {
		return err
	}

	var candidates []registry.Peer
	for _, addr := range c.StringSlice("connect") {
		id, err := t.Dial(c.Context, addr)
		if err != nil {
			return err
		}
		candidates = append(candidates, registry.Peer{ID: id, Addr: addr, Weight: 1})
	}

	start := time.Now()
	sel := planner.Balanced(bal, c.String("key"), candidates...)
	f, err := n.Request(c.Context, sel, echoPath, "Echo", echoArgs{X: int32(c.Int("value"))}, c.Duration("timeout"))
	if err != nil {
		return err
	}
	value, peer, err := f.Wait(c.Context)
	if err != nil {
		return err
	}
	got, err := codec.Unpack(codec.Default, value, codec.TypeOf[int32]())
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "Echo(%d) = %v from peer %d (%s) in %s\n",
		c.Int("value"), got, peer, bal.Name(), time.Since(start).Round(time.Microsecond))
	return nil
}
