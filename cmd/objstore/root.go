package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/andreyvit/objstore/engine"
	"github.com/andreyvit/objstore/engine/boltengine"
	"github.com/andreyvit/objstore/engine/sqliteengine"
)

// rootOptions holds global flags for all commands.
type rootOptions struct {
	Engine  string
	Dir     string
	Format  string
	Verbose bool
}

var (
	validEngines = []string{"bolt", "sqlite"}
	validFormats = []string{"text", "json", "yaml"}
)

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "objstore",
		Short: "Inspect objstore databases",
		Long: `Inspect and maintain objstore databases stored in a directory.

Examples:
  objstore info --dir ./data app
  objstore dump --dir ./data --format json app users
  objstore delete --engine sqlite --dir ./data app`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(validEngines, opts.Engine) {
				return fmt.Errorf("invalid engine %q: must be one of %v", opts.Engine, validEngines)
			}
			if !slices.Contains(validFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)
			}
			if opts.Verbose {
				logrus.SetLevel(logrus.DebugLevel)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Engine, "engine", "bolt", "storage engine (bolt|sqlite)")
	cmd.PersistentFlags().StringVar(&opts.Dir, "dir", ".", "directory holding database files")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json|yaml)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(newInfoCommand(opts))
	cmd.AddCommand(newDumpCommand(opts))
	cmd.AddCommand(newDeleteCommand(opts))
	return cmd
}

type fileEngine interface {
	engine.Engine
	Path(name string) string
}

func (opts *rootOptions) engine() fileEngine {
	if opts.Engine == "sqlite" {
		return sqliteengine.New(opts.Dir)
	}
	return boltengine.New(opts.Dir, boltengine.Options{})
}

// openExisting opens a database file, refusing to create a missing one.
func (opts *rootOptions) openExisting(name string) (engine.Storage, error) {
	eng := opts.engine()
	path := eng.Path(name)
	if _, err := os.Stat(path); err != nil {
		return nil, errors.WithMessagef(err, "database %s", name)
	}
	logrus.WithFields(logrus.Fields{"engine": opts.Engine, "path": path}).Debug("opening database")
	return eng.Open(name)
}

// writeStructured writes v as JSON or YAML; text output is done by callers.
func (opts *rootOptions) writeStructured(w io.Writer, v any) error {
	switch opts.Format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("format %q is not structured", opts.Format)
	}
}
