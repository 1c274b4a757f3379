package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/andreyvit/objstore"
)

func newInfoCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "info <name>",
		Short: "Show version, stores, indexes and sizes of a database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stg, err := opts.openExisting(args[0])
			if err != nil {
				return err
			}
			defer stg.Close()

			info, err := objstore.Inspect(stg)
			if err != nil {
				return err
			}
			if opts.Format != "text" {
				return opts.writeStructured(cmd.OutOrStdout(), info)
			}
			writeInfoText(cmd.OutOrStdout(), args[0], info)
			return nil
		},
	}
}

func writeInfoText(w io.Writer, name string, info *objstore.DatabaseInfo) {
	fmt.Fprintf(w, "%s: version %d, fingerprint %s, %d stores\n", name, info.Version, info.Fingerprint, len(info.Stores))
	for _, si := range info.Stores {
		var attrs []string
		attrs = append(attrs, "key "+si.KeyPath)
		if si.AutoIncrement {
			attrs = append(attrs, "autoincrement")
		}
		if si.KeyGenerator != 0 {
			attrs = append(attrs, "next key "+humanize.Comma(int64(si.KeyGenerator)+1))
		}
		fmt.Fprintf(w, "\n%s (%s)\n", si.Name, strings.Join(attrs, ", "))
		fmt.Fprintf(w, "  %s records, %s data, %s index entries, %s indexes\n",
			humanize.Comma(int64(si.Records)), humanize.Bytes(uint64(si.DataSize)),
			humanize.Comma(int64(si.IndexEntries)), humanize.Bytes(uint64(si.IndexSize)))
		for _, idx := range si.Indexes {
			fmt.Fprintf(w, "  index %v\n", idx)
		}
	}
}
