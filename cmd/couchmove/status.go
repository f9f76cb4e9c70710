package main

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xoliver/couchmove/bolt"
	"github.com/xoliver/couchmove/kit/cli"
	"github.com/xoliver/couchmove/migration"
)

func newStatusCommand(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "List stored changelogs and their execution state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := o.newLogger()
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx := context.Background()

			store := bolt.NewKVStore(o.boltPath)
			store.WithLogger(log.With(zap.String("service", "bolt")))
			if err := store.Open(ctx); err != nil {
				return err
			}
			defer store.Close()

			changeLogs, err := migration.NewChangeStore(store).List(ctx)
			if err != nil {
				return err
			}

			if o.jsonOut {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(changeLogs)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 1, '\t', 0)
			fmt.Fprintln(w, "VERSION\tTYPE\tSTATUS\tORDER\tRUNNER\tAPPLIED\tDURATION")
			for _, c := range changeLogs {
				var applied string
				if !c.Timestamp.IsZero() {
					applied = humanize.Time(c.Timestamp)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
					c.Version, c.Type, c.Status, c.Order, c.Runner, applied, c.Duration)
			}
			return w.Flush()
		},
	}

	opts := append(o.storeOpts(), cli.Opt{
		DestP:   &o.jsonOut,
		Flag:    "json",
		Default: false,
		Desc:    "print changelogs as JSON",
	})
	cli.BindOptions(cmd, opts)

	return cmd
}
