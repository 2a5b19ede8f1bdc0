package main

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/Joy-less/RemSend-sub000/access"
	"github.com/Joy-less/RemSend-sub000/codec"
	"github.com/Joy-less/RemSend-sub000/message"
	"github.com/Joy-less/RemSend-sub000/node"
	"github.com/Joy-less/RemSend-sub000/procedure"
	"github.com/Joy-less/RemSend-sub000/transport"
	"github.com/urfave/cli/v2"
)

const echoPath = "echo"

type echoEntity struct{}

func (echoEntity) EntityType() string { return "Echo" }

type echoArgs struct {
	X int32
}

func (a echoArgs) MarshalTuple(w *codec.Writer) error {
	w.PutInt32(a.X)
	return w.Err()
}

func (a *echoArgs) UnmarshalTuple(r *codec.Reader) error {
	a.X = r.ReadInt32()
	return r.Err()
}

// registerEcho exposes Echo(x int32) int32 at echoPath. Both commands register
// it: the caller needs the descriptor to plan the call.
func registerEcho(n *node.Node) error {
	err := procedure.Handle(n.Procedures(), "Echo", "Echo",
		procedure.Descriptor{Access: access.Any, Mode: transport.Reliable},
		func(ctx context.Context, inv *procedure.Invocation, args echoArgs) (int32, error) {
			logger.Sugar().Infof("Echo(%d) from peer %d", args.X, inv.Sender)
			return args.X, nil
		})
	if err != nil {
		return err
	}
	return n.AddEntity(echoPath, echoEntity{})
}

var transportFlags = []cli.Flag{
	&cli.IntFlag{
		Name:     "id",
		Usage:    "peer id of this process (1 is the authority)",
		EnvVars:  []string{"REMSEND_ID"},
		Required: true,
	},
	&cli.StringFlag{
		Name:    "transport",
		Usage:   "tcp or quic",
		EnvVars: []string{"REMSEND_TRANSPORT"},
		Value:   "tcp",
	},
	&cli.DurationFlag{
		Name:  "heartbeat",
		Usage: "keep-alive interval",
		Value: transport.DefaultHeartbeatInterval,
	},
}

// peerTransport is a Transport that can listen and dial.
type peerTransport interface {
	transport.Transport
	Dial(ctx context.Context, address string) (message.PeerID, error)
	Addr() net.Addr
}

func newTransport(c *cli.Context, listen string) (peerTransport, error) {
	id := message.PeerID(c.Int("id"))
	if id <= message.Broadcast {
		return nil, fmt.Errorf("invalid peer id %d", id)
	}
	switch c.String("transport") {
	case "tcp":
		t := transport.NewTCP(transport.TCPConfig{ID: id, HeartbeatInterval: c.Duration("heartbeat"), Logger: logger})
		if listen != "" {
			if err := t.Listen("tcp", listen); err != nil {
				return nil, err
			}
		}
		return t, nil
	case "quic":
		cfg := transport.QUICConfig{ID: id, KeepAlive: c.Duration("heartbeat"), Logger: logger}
		if listen != "" {
			host, _, err := net.SplitHostPort(listen)
			if err != nil {
				return nil, err
			}
			cfg.ServerTLS, err = transport.SelfSignedTLS([]string{host, "localhost"}, 24*time.Hour)
			if err != nil {
				return nil, err
			}
		}
		t := transport.NewQUIC(cfg)
		if listen != "" {
			if err := t.Listen(listen); err != nil {
				return nil, err
			}
		}
		return t, nil
	}
	return nil, fmt.Errorf("unknown transport %q", c.String("transport"))
}
