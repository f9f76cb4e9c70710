package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xoliver/couchmove/bolt"
	"github.com/xoliver/couchmove/kit/cli"
	"github.com/xoliver/couchmove/migration"
	"github.com/xoliver/couchmove/source"
)

func newMigrateCommand(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending changelogs to the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := o.newLogger()
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			store := bolt.NewKVStore(o.boltPath)
			store.WithLogger(log.With(zap.String("service", "bolt")))
			if err := store.Open(ctx); err != nil {
				return err
			}
			defer store.Close()

			src := source.NewDir(o.migrations)
			src.WithLogger(log.With(zap.String("service", "source")))

			var opts []migration.MigratorOption
			if o.lockLease > 0 {
				lock := migration.NewLock(store, migration.WithLease(o.lockLease))
				opts = append(opts, migration.WithLock(lock))
			}

			m := migration.NewMigrator(log.With(zap.String("service", "migration")), store, src, opts...)
			return m.Migrate(ctx)
		},
	}

	opts := append(o.storeOpts(), o.sourceOpt(), cli.Opt{
		DestP:   &o.lockLease,
		Flag:    "lock-lease",
		Default: time.Duration(0),
		Desc:    "take over the changelog lock once it is older than this duration, 0 disables takeover",
	})
	cli.BindOptions(cmd, opts)

	return cmd
}
