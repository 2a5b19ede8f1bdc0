// Command remsend runs a demo peer and issues calls against it.
//
//	remsend peer --id 1 --listen 127.0.0.1:7000
//	remsend call --connect 127.0.0.1:7000 --value 7
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger = zap.NewNop()

func app() *cli.App {
	logLevel := "info"
	return &cli.App{
		Name:  "remsend",
		Usage: "peer-to-peer remote procedure calls",
		Commands: []*cli.Command{
			peerCmd(),
			callCmd(),
		},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "Verbosity of log, valid values are: debug, info, warn, error",
				EnvVars:     []string{"REMSEND_LOG_LEVEL"},
				Destination: &logLevel,
				Value:       logLevel,
			},
		},
		Before: func(ctx *cli.Context) error {
			level, err := zapcore.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			cfg := zap.NewDevelopmentConfig()
			cfg.Level = zap.NewAtomicLevelAt(level)
			logger, err = cfg.Build()
			return err
		},
		After: func(ctx *cli.Context) error {
			logger.Sync()
			return nil
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := app().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
