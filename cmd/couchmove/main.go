// Command couchmove applies versioned changelogs to a document store.
package main

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xoliver/couchmove/kit/cli"
	"github.com/xoliver/couchmove/logger"
)

func main() {
	root := cli.NewCommand(&cli.Program{
		Name:  "couchmove",
		Short: "Applies versioned changelogs to a document store exactly once",
	})

	o := &options{}
	root.AddCommand(newMigrateCommand(o))
	root.AddCommand(newStatusCommand(o))
	root.AddCommand(newCreateCommand(o))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// options holds the destinations of the option flags. Each subcommand
// binds the subset it uses.
type options struct {
	boltPath   string
	migrations string
	logLevel   string
	lockLease  time.Duration
	jsonOut    bool
}

// storeOpts are the options of the subcommands reading or writing the
// bolt database.
func (o *options) storeOpts() []cli.Opt {
	return []cli.Opt{
		{
			DestP:   &o.boltPath,
			Flag:    "bolt-path",
			Default: "couchmove.bolt",
			Desc:    "path to the boltdb database",
		},
		{
			DestP:   &o.logLevel,
			Flag:    "log-level",
			Default: zapcore.InfoLevel.String(),
			Desc:    "supported log levels are debug, info, warn and error",
		},
	}
}

func (o *options) sourceOpt() cli.Opt {
	return cli.Opt{
		DestP:   &o.migrations,
		Flag:    "migrations",
		Default: "db/migration",
		Desc:    "path to the changelog folder",
	}
}

// newLogger builds the console logger of a subcommand. Logs go to stderr
// so command output stays pipeable.
func (o *options) newLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(o.logLevel)
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	return logger.New(os.Stderr, level), nil
}
