// Package actions provides actions that the collectx CLI can execute
package actions

import (
	"fmt"
	"strconv"

	"github.com/urfave/cli"

	"github.com/zhigulin22/collectx/build"
	"github.com/zhigulin22/collectx/cmd/collectx/flags"
	"github.com/zhigulin22/collectx/db"
)

var log = build.AddSubLogger("ACTN")

// Db returns commands for handling DB access and migrations
func Db() cli.Command {
	return cli.Command{
		Name:  "db",
		Usage: "Database related commands",
		Flags: flags.Db,
		Subcommands: []cli.Command{
			{
				Name:    "up",
				Aliases: []string{"mu"},
				Usage:   "up migrates the database all the way up",
				Action: func(c *cli.Context) error {
					database, err := openDb(c)
					if err != nil {
						return err
					}
					defer closeDb(database)
					return database.MigrateUp()
				},
			},
			{
				Name:    "down",
				Aliases: []string{"md"},
				Usage:   "down x, migrates the database down x number of steps",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return cli.NewExitError(
							"You need to specify a number of steps to migrate down",
							22,
						)
					}
					steps, err := strconv.Atoi(c.Args().First())
					if err != nil {
						return err
					}
					database, err := openDb(c)
					if err != nil {
						return err
					}
					defer closeDb(database)
					return database.MigrateDown(steps)
				},
			},
			{
				Name:    "status",
				Aliases: []string{"st"},
				Usage:   "status prints the current migration version and dirty state",
				Action: func(c *cli.Context) error {
					database, err := openDb(c)
					if err != nil {
						return err
					}
					defer closeDb(database)

					status, err := database.MigrationStatus()
					if err != nil {
						return err
					}
					fmt.Printf("version: %d dirty: %t\n", status.Version, status.Dirty)
					return nil
				},
			},
			{
				Name:    "forceversion",
				Aliases: []string{"fv"},
				Usage:   "forceversion forces the database version, and resets the dirty state to false",
				Flags: []cli.Flag{
					cli.IntFlag{
						Name:     "version",
						Required: true,
						Usage:    "version number you know the database is currently at",
					},
				},
				Action: func(c *cli.Context) error {
					database, err := openDb(c)
					if err != nil {
						return err
					}
					defer closeDb(database)

					version := c.Int("version")
					if err := database.ForceVersion(version); err != nil {
						return err
					}
					log.WithField("version", version).Info("forced database version")
					return nil
				},
			},
		},
	}
}

func openDb(c *cli.Context) (*db.DB, error) {
	conf := flags.ReadDbConf(c)
	return db.Open(conf)
}

func closeDb(database *db.DB) {
	if err := database.Close(); err != nil {
		log.WithError(err).Error("could not close DB")
	}
}
