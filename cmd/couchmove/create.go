package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/xoliver/couchmove"
	"github.com/xoliver/couchmove/kit/cli"
	"github.com/xoliver/couchmove/source"
)

func newCreateCommand(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <type> <version> <description>",
		Short: "Scaffold the next changelog entry",
		Long: `Scaffolds a changelog entry under the migrations folder.

The type is one of documents, query or index. Document changelogs become
folders to be filled with JSON files, query changelogs start as an empty
statement script and index changelogs as an empty definition.`,
		Args: cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := parseType(args[0])
			if err != nil {
				return err
			}

			path, err := source.Create(o.migrations, t, args[1], strings.Join(args[2:], " "))
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), "Created", path)
			return nil
		},
	}

	cli.BindOptions(cmd, []cli.Opt{o.sourceOpt()})

	return cmd
}

func parseType(s string) (couchmove.Type, error) {
	switch strings.ToLower(s) {
	case "documents":
		return couchmove.TypeDocuments, nil
	case "query":
		return couchmove.TypeQuery, nil
	case "index":
		return couchmove.TypeIndex, nil
	default:
		return "", fmt.Errorf("unknown changelog type %q, expected documents, query or index", s)
	}
}
