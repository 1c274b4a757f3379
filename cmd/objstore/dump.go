package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/andreyvit/objstore"
)

type dumpOptions struct {
	*rootOptions
	Limit int
}

// dumpedRecord is the structured form of a record.
type dumpedRecord struct {
	Key       string `json:"key" yaml:"key"`
	SchemaVer uint64 `json:"schema_ver" yaml:"schema_ver"`
	Value     any    `json:"value" yaml:"value"`
}

var errLimitReached = errors.New("limit reached")

func newDumpCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &dumpOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "dump <name> <store>",
		Short: "Print the records of a store",
		Long: `Print the records of a store in key order.

Records are decoded without their Go types, so structs come out as maps
keyed by their serialized field names. Keys are printed in hex.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDump(opts, args[0], args[1], cmd)
		},
	}
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of records to print (0 for all)")
	return cmd
}

func runDump(opts *dumpOptions, name, store string, cmd *cobra.Command) error {
	stg, err := opts.openExisting(name)
	if err != nil {
		return err
	}
	defer stg.Close()

	w := cmd.OutOrStdout()
	var recs []dumpedRecord
	err = objstore.DumpStore(stg, store, func(rec objstore.RawRecord) error {
		if opts.Limit > 0 && len(recs) >= opts.Limit {
			return errLimitReached
		}
		dr := dumpedRecord{
			Key:       hex.EncodeToString(rec.Key),
			SchemaVer: rec.SchemaVer,
			Value:     jsonSafe(rec.Value),
		}
		recs = append(recs, dr)
		return nil
	})
	if err != nil && err != errLimitReached {
		return err
	}

	if opts.Format != "text" {
		if recs == nil {
			recs = []dumpedRecord{}
		}
		return opts.writeStructured(w, recs)
	}
	for _, dr := range recs {
		raw, err := json.Marshal(dr.Value)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%s\n", dr.Key, raw)
	}
	return nil
}

// jsonSafe converts generically decoded msgpack values, whose maps may have
// non-string keys, into values encoding/json and yaml.v3 accept.
func jsonSafe(v any) any {
	switch v := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[k] = jsonSafe(e)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[fmt.Sprint(k)] = jsonSafe(e)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = jsonSafe(e)
		}
		return out
	case []byte:
		return hex.EncodeToString(v)
	default:
		return v
	}
}
