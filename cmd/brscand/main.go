// Command brscand is the host-side daemon for network-attached Brother
// MFC/DCP scanners: it discovers and registers scan destinations over
// SNMP, listens for panel button presses, and pulls scanned pages over the
// devices' proprietary TCP protocol.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/brscand/brscand/pkg/config"
	"github.com/brscand/brscand/pkg/device"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	app := &cli.App{
		Name:    "brscand",
		Usage:   "host-side endpoint daemon for network Brother scanners",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "./brother.config",
				Usage:   "path to the brother.config-style configuration file",
			},
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Value:   device.DefaultButtonPort,
				Usage:   "UDP port the button listener binds to",
			},
			&cli.BoolFlag{
				Name:    "debug",
				Aliases: []string{"d"},
				Usage:   "enable debug-level logging",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("brscand exited")
	}
}

func run(c *cli.Context) error {
	log := logrus.New()
	if c.Bool("debug") {
		log.SetLevel(logrus.DebugLevel)
	}
	entry := logrus.NewEntry(log)

	cfg, err := config.ParseFile(c.String("config"))
	if err != nil {
		return cli.Exit(err, 1)
	}

	mgr := device.NewManager(cfg, c.Int("port"), 0, entry)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := mgr.Start(ctx); err != nil {
		return cli.Exit(err, 1)
	}

	entry.WithField("devices", len(cfg.Devices)).Info("brscand started")

	<-ctx.Done()
	entry.Info("shutting down")
	mgr.Stop()
	mgr.Wait()

	return nil
}
