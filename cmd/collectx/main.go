package main

import (
	"fmt"
	"os"

	_ "github.com/lib/pq" // Import postgres
	"github.com/urfave/cli"

	"github.com/zhigulin22/collectx/build"
	"github.com/zhigulin22/collectx/cmd/collectx/actions"
	"github.com/zhigulin22/collectx/cmd/collectx/flags"
)

var log = build.AddSubLogger("MAIN")

func main() {
	app := cli.NewApp()
	app.Name = "collectx"
	app.Usage = "Managing helper for the collectx wallet and ledger"
	app.EnableBashCompletion = true
	// have log levels be set for all commands/subcommands
	app.Before = func(c *cli.Context) error {
		level, err := build.ToLogLevel(c.GlobalString("logging.level"))
		if err != nil {
			return err
		}
		existingLevel := log.Level
		if existingLevel != level {
			build.SetLogLevels(level)
		}

		logFile := c.GlobalString("logging.directory")
		if err = build.SetLogDir(logFile); err != nil {
			return err
		}
		return nil
	}

	app.Flags = flags.CommonFlags
	app.Commands = []cli.Command{
		actions.Db(),
		actions.Reconcile(),
	}

	err := app.Run(os.Args)
	if err != nil {
		// only print error if something was supplied, help message is
		// printed anyways
		if len(os.Args) > 1 {
			_, _ = fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
