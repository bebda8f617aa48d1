// Package flags provides functionality for managing flags for collectx
package flags

import (
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/zhigulin22/collectx/db"
)

// Concat concatenates the given list of flags, without mutating them
func Concat(first []cli.Flag, rest ...[]cli.Flag) []cli.Flag {
	var copied = make([]cli.Flag, len(first))
	_ = copy(copied, first)
	for _, r := range rest {
		copied = append(copied, r...)
	}
	return copied
}

// CommonFlags is a set of flags that all commands take
var CommonFlags = Concat([]cli.Flag{}, logging)

// ReadDbConf reads the approriate flags for connecting to the DB
func ReadDbConf(c *cli.Context) db.DatabaseConfig {
	conf := db.DatabaseConfig{
		User:           c.String("db.user"),
		Password:       c.String("db.password"),
		Host:           c.String("db.host"),
		Port:           c.Int("db.port"),
		Name:           c.String("db.name"),
		MigrationsPath: c.String("db.migrationspath"),
	}

	// if no scheme was supplied to migrations path, default to file:
	parsedPath, err := url.Parse(conf.MigrationsPath)
	if err != nil {
		panic(fmt.Errorf("could not parse migrations path into URL: %w", err))
	}
	if len(parsedPath.Scheme) == 0 {
		conf.MigrationsPath = path.Join("file:", conf.MigrationsPath)
	}

	// flags belong to a context, and subcommand contexts don't see flags
	// defined on their parents through c.String. recurse until we find the
	// context where the DB flags are actually set.
	if conf.User == "" {
		parent := c.Parent()
		if parent == nil {
			panic("Reached root CLI context without hitting valid DB credentials!")
		}
		return ReadDbConf(parent)
	}
	return conf
}

// Db is the set of flags for connecting to the database
var Db = []cli.Flag{
	cli.StringFlag{
		Name:     "db.user",
		Usage:    "Database user",
		EnvVar:   "DATABASE_USER",
		Required: true,
	},
	cli.StringFlag{
		Name:     "db.password",
		Usage:    "Database password",
		EnvVar:   "DATABASE_PASSWORD",
		Required: true,
	},
	cli.StringFlag{
		Name:   "db.name",
		Usage:  "Database name",
		Value:  "collectx",
		EnvVar: "DATABASE_NAME",
	},
	cli.StringFlag{
		Name:  "db.host",
		Usage: "Database host to connect to",
		Value: "localhost",
	},
	cli.IntFlag{
		Name:   "db.port",
		Usage:  "Database port",
		Value:  5432,
		EnvVar: "DATABASE_PORT",
	},
	cli.StringFlag{
		Name:      "db.migrationspath",
		Usage:     `Path to DB migrations. Needs scheme ("file", etc.) in front of path"`,
		TakesFile: true,
		Value: func() string {
			dir, err := os.Getwd()
			if err != nil {
				panic(err)
			}
			return filepath.Join("file:", dir, "db", "migrations")
		}(),
	},
}

var logging = []cli.Flag{
	cli.StringFlag{
		Name:  "logging.level",
		Value: logrus.InfoLevel.String(),
		Usage: "Logging level for all subsystems {trace, debug, info, warn, error, fatal, panic}",
	},
	cli.StringFlag{
		Name:      "logging.directory",
		TakesFile: true,
		Value: func() string {
			dir, err := os.Getwd()
			if err != nil {
				panic(err)
			}
			return filepath.Join(dir, "logs")
		}(),
		Usage: "What directory to write log files to",
	},
}
